package tools

import (
	"errors"
	"net/mail"
	"os"
	"os/user"
	"strings"
)

func SystemUri() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	username := "unknown"
	u, err := user.Current()
	if err == nil {
		username = u.Username
	}
	return username + "@" + hostname
}

func DomainOfEmail(address string) (string, error) {
	parts := strings.Split(address, "@")
	if len(parts) < 2 {
		return "", errors.New("no domain was present in email address")
	}
	return parts[len(parts)-1], nil
}

// ValidEmail reports whether address is a bare, parsable email address.
func ValidEmail(address string) bool {
	if len(address) == 0 {
		return false
	}
	a, err := mail.ParseAddress(address)
	return err == nil && a.Address == address
}

// NormalizeEmail lower cases the domain part, the local part is left as is.
func NormalizeEmail(address string) string {
	address = strings.TrimSpace(address)
	local, domain, found := strings.Cut(address, "@")
	if !found {
		return address
	}
	return local + "@" + strings.ToLower(domain)
}
