package status

// Code is an HTTP response status code as it arrives on the status line.
type Code uint16

// Unauthorized is the only code with a meaning of its own to the client. Everything
// else is classified by its first digit.
const Unauthorized Code = 401

// Class is the first digit of a status code.
type Class uint8

const (
	Informational Class = 1
	Success       Class = 2
	Redirection   Class = 3
	ClientError   Class = 4
	ServerError   Class = 5
)

// Class returns the first digit of the code. Codes outside of 100-999 yield 0.
func (c Code) Class() Class {
	if c < 100 || c > 999 {
		return 0
	}

	return Class(c / 100)
}
