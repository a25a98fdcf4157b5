package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Age is the raw age as entered on the guest form. It may be empty or
// non-numeric while the user is still typing; Years reports whether it parses.
type Age string

func AgeOf(years int) Age {
	return Age(strconv.Itoa(years))
}

func (a Age) Years() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(string(a)))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// UnmarshalJSON accepts both `"age": 12` and `"age": "12"`.
func (a *Age) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Age(s)
		return nil
	}
	*a = Age(data)
	return nil
}

type Guest struct {
	Name                string `json:"name"`
	Age                 Age    `json:"age"`
	Gender              string `json:"gender"`
	Address             string `json:"address"`
	IdentityNumber      string `json:"identityNumber"`
	IdentityDocumentRef string `json:"identityDocumentRef"`
}

// MissingFields lists the required fields that are still blank, in form order.
func (g Guest) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(g.Name) == "" {
		missing = append(missing, "name")
	}
	if _, ok := g.Age.Years(); !ok {
		missing = append(missing, "age")
	}
	if strings.TrimSpace(g.Address) == "" {
		missing = append(missing, "address")
	}
	if strings.TrimSpace(g.IdentityNumber) == "" {
		missing = append(missing, "identityNumber")
	}
	if strings.TrimSpace(g.IdentityDocumentRef) == "" {
		missing = append(missing, "identityDocumentRef")
	}
	return missing
}

func (g Guest) Complete() bool {
	return len(g.MissingFields()) == 0
}

type ContactDetails struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Email   string `json:"email,omitempty"`
}

func (c ContactDetails) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(c.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(c.Phone) == "" {
		missing = append(missing, "phone")
	}
	if strings.TrimSpace(c.Address) == "" {
		missing = append(missing, "address")
	}
	return missing
}

func (c ContactDetails) Complete() bool {
	return len(c.MissingFields()) == 0
}
