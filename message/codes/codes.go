package codes

import (
	"fmt"
	"strconv"
	"strings"
)

// A Code is an unsigned 8-bit coap code: 3-bit class and 5-bit detail.
type Code uint8

// GET, POST, PUT, DELETE are request codes.
const (
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
)

// Response codes.
const (
	Empty                   Code = 0
	Created                 Code = 65
	Deleted                 Code = 66
	Valid                   Code = 67
	Changed                 Code = 68
	Content                 Code = 69
	Continue                Code = 95
	BadRequest              Code = 128
	Unauthorized            Code = 129
	BadOption               Code = 130
	Forbidden               Code = 131
	NotFound                Code = 132
	MethodNotAllowed        Code = 133
	NotAcceptable           Code = 134
	RequestEntityIncomplete Code = 136
	PreconditionFailed      Code = 140
	RequestEntityTooLarge   Code = 141
	UnsupportedMediaType    Code = 143
	InternalServerError     Code = 160
	NotImplemented          Code = 161
	BadGateway              Code = 162
	ServiceUnavailable      Code = 163
	GatewayTimeout          Code = 164
	ProxyingNotSupported    Code = 165
)

const _maxCode = 255

var strToCode = func() map[string]Code {
	m := make(map[string]Code, len(codeToString))
	for c, s := range codeToString {
		m[s] = c
	}
	return m
}()

// Class returns the 3-bit class of the code (2 for 2.05).
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the 5-bit detail of the code (5 for 2.05).
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// Dotted formats the code as c.dd, e.g. 2.05.
func (c Code) Dotted() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// IsRequest reports whether the code is a method code.
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsSuccess reports a 2.xx response code.
func (c Code) IsSuccess() bool {
	return c.Class() == 2
}

// IsClientError reports a 4.xx response code.
func (c Code) IsClientError() bool {
	return c.Class() == 4
}

// IsServerError reports a 5.xx response code.
func (c Code) IsServerError() bool {
	return c.Class() == 5
}

// ToCode parses either the name of the code ("Content") or its dotted form ("2.05").
func ToCode(v string) (Code, error) {
	if c, ok := strToCode[v]; ok {
		return c, nil
	}
	class, detail, ok := strings.Cut(v, ".")
	if !ok {
		return 0, fmt.Errorf("invalid code: %q", v)
	}
	cl, err := strconv.ParseUint(class, 10, 3)
	if err != nil {
		return 0, fmt.Errorf("invalid code class: %q", v)
	}
	dt, err := strconv.ParseUint(detail, 10, 5)
	if err != nil {
		return 0, fmt.Errorf("invalid code detail: %q", v)
	}
	return Code(cl<<5 | dt), nil
}

// UnmarshalJSON unmarshals b into the Code.
func (c *Code) UnmarshalJSON(b []byte) error {
	if c == nil {
		return fmt.Errorf("nil receiver passed to UnmarshalJSON")
	}
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid code: %q", string(b))
	}
	s := string(b[1 : len(b)-1])
	if ci, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(s, "Code("), ")"), 10, 8); err == nil && strings.HasPrefix(s, "Code(") {
		*c = Code(ci)
		return nil
	}
	if jc, ok := strToCode[s]; ok {
		*c = jc
		return nil
	}
	return fmt.Errorf("invalid code: %q", s)
}

// MarshalJSON marshals the Code by its name.
func (c Code) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(c.String())), nil
}
