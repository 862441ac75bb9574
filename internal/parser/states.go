package parser

type parserState uint8

const (
	eStatusLine parserState = iota + 1
	eHeaderLine
	eProcessHeader
	eHeadersComplete
)
