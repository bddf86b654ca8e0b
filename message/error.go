package message

// Error errors type of coap message
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrTooSmall                     = Error("buffer is too small")
	ErrInvalidTokenLen              = Error("invalid token length")
	ErrInvalidValueLength           = Error("invalid value length")
	ErrOptionTruncated              = Error("option is truncated")
	ErrOptionUnexpectedExtendMarker = Error("unexpected extended option marker")
	ErrOptionTooLong                = Error("option is too long")
	ErrOptionNotFound               = Error("option not found")
	ErrInvalidEncoding              = Error("invalid encoding")
)
