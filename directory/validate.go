package directory

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"unicode"

	"keepersecurity.com/gws-admin/errdefs"
)

const MinPasswordLength = 8

// ValidateEmail accepts a bare addr-spec only: no display name, no angle brackets.
func ValidateEmail(field, email string) error {
	if email == "" {
		return errdefs.Validation(field, "required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return errdefs.Validation(field, "malformed address")
	}
	var at = strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || !strings.Contains(email[at+1:], ".") {
		return errdefs.Validation(field, "malformed address")
	}
	return nil
}

// ValidateDomain requires email to belong to the workspace domain.
func ValidateDomain(email, domain string) error {
	if DomainOf(email) != Key(domain) {
		return errdefs.DomainMismatch(email, domain)
	}
	return nil
}

// ValidatePassword requires MinPasswordLength characters drawn from at least
// three of: lower case, upper case, digits, symbols.
func ValidatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return errdefs.Validation("password", fmt.Sprintf("must be at least %d characters", MinPasswordLength))
	}
	var lower, upper, digit, symbol int
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = 1
		case unicode.IsUpper(r):
			upper = 1
		case unicode.IsDigit(r):
			digit = 1
		case unicode.IsSpace(r):
			return errdefs.Validation("password", "must not contain whitespace")
		default:
			symbol = 1
		}
	}
	if lower+upper+digit+symbol < 3 {
		return errdefs.Validation("password", "must mix at least three character classes")
	}
	return nil
}

const (
	lowerChars  = "abcdefghijkmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digitChars  = "23456789"
	symbolChars = "!@#$%^&*-_=+?"
)

// GeneratePassword returns a random password that satisfies ValidatePassword.
func GeneratePassword(length int) (string, error) {
	if length < MinPasswordLength {
		length = MinPasswordLength
	}
	var classes = []string{lowerChars, upperChars, digitChars, symbolChars}
	var all = strings.Join(classes, "")
	var out = make([]byte, length)
	for i := range out {
		var set = all
		if i < len(classes) {
			set = classes[i]
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
		if err != nil {
			return "", err
		}
		out[i] = set[n.Int64()]
	}
	// shuffle so the class-guaranteed prefix is not predictable
	for i := len(out) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		var j = n.Int64()
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

// ValidateOrgUnitPath requires an absolute slash path without empty segments
// or a trailing slash. "/" is valid.
func ValidateOrgUnitPath(path string) error {
	if path == RootPath {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return errdefs.Validation("org_unit_path", "must begin with /")
	}
	if strings.HasSuffix(path, "/") {
		return errdefs.Validation("org_unit_path", "must not end with /")
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if strings.TrimSpace(seg) == "" {
			return errdefs.Validation("org_unit_path", "empty path segment")
		}
	}
	return nil
}

// ParentPath returns the path up to the nearest "/" ("/" for top-level units).
func ParentPath(path string) string {
	var pos = strings.LastIndexByte(path, '/')
	if pos <= 0 {
		return RootPath
	}
	return path[:pos]
}

// JoinPath appends a child name to a parent OU path.
func JoinPath(parent, name string) string {
	if parent == RootPath || parent == "" {
		return RootPath + name
	}
	return parent + "/" + name
}

// Check verifies the parent invariant: ParentPath is the strict prefix of
// Path ending at the nearest "/".
func (o *OrgUnit) Check() error {
	if err := ValidateOrgUnitPath(o.Path); err != nil {
		return err
	}
	if o.Path == RootPath {
		return errdefs.Validation("org_unit_path", "the root unit is synthetic")
	}
	if o.ParentPath != ParentPath(o.Path) {
		return errdefs.Validation("parent_path", fmt.Sprintf("%q is not the parent of %q", o.ParentPath, o.Path))
	}
	return nil
}
