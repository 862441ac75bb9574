package hexconv

// Invalid marks non-hex characters in Halfbyte.
const Invalid byte = 0xFF

// Halfbyte maps a hex digit character to its value, and everything else to Invalid.
var Halfbyte = func() (table [256]byte) {
	for i := range table {
		table[i] = Invalid
	}

	for char := '0'; char <= '9'; char++ {
		table[char] = byte(char - '0')
	}

	for char := 'a'; char <= 'f'; char++ {
		table[char] = byte(char-'a') + 10
		table[char-'a'+'A'] = byte(char-'a') + 10
	}

	return table
}()
