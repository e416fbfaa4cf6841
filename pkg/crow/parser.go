package crow

// parserState is the parser's current position in the response state
// machine: one state per header byte, then the payload/checksum states.
type parserState int

const (
	stateH0 parserState = iota
	stateH1
	stateH2
	stateH3
	stateH4
	statePayloadByte
	statePayloadUpper
	statePayloadLower
	stateSkip
)

// ResultKind discriminates the three shapes a Parser can emit.
type ResultKind int

const (
	// KindResponse is a correctly framed and checksummed response.
	KindResponse ResultKind = iota
	// KindExtra is extraneous bytes that did not belong to any response
	// header, discarded during resynchronization.
	KindExtra
	// KindError is a response whose header was valid but whose payload
	// failed its Fletcher-16 check.
	KindError
)

// Result is one item produced by Parser.Parse: a response, a run of
// extraneous bytes, or a parse error. Exactly one of the type-specific
// fields is meaningful, selected by Kind.
type Result struct {
	Kind ResultKind

	// Response fields (Kind == KindResponse).
	IsError bool
	IsFinal bool
	Token   byte
	Payload []byte

	// Extra fields (Kind == KindExtra).
	Data []byte

	// Error fields (Kind == KindError).
	Message string
}

// Parser is a byte-driven response state machine. It consumes arbitrary
// byte runs handed to it from a serial read loop, discarding and reporting
// extraneous bytes, validating the 5-byte response header, and validating
// each payload chunk by its two trailing bytes, which carry the chunk's
// Fletcher-16 upper and lower sums mod 255. It holds no
// reference to any serial port or timer: it is purely computational.
//
// A Parser is reset at the start of each transaction and may be driven
// across multiple calls to Parse as bytes trickle in from reads.
type Parser struct {
	state parserState

	header      [5]byte
	headerFill  int // number of header bytes stored since the last shift

	payload       []byte
	payloadIndex  int
	payloadSize   int
	chunkRemain   int
	payloadRemain int
	lowerSum      int
	upperSum      int

	isError bool
	isFinal bool
	token   byte

	// MinBytesExpected is the fewest additional bytes the parser needs
	// to reach a terminal result for the response currently in flight:
	// header completion, or the remaining payload-and-check bytes, or
	// zero once a response matching the expected token has been
	// produced (see Parse's expectedToken argument).
	MinBytesExpected int

	extra []byte
}

// NewParser returns a Parser ready for Reset.
func NewParser() *Parser {
	p := &Parser{payload: make([]byte, maxPayload)}
	p.Reset()
	return p
}

// Reset prepares the parser for a new transaction: the header state
// machine starts fresh and five bytes are needed before anything can be
// evaluated.
func (p *Parser) Reset() {
	p.state = stateH0
	p.headerFill = 0
	p.MinBytesExpected = 5
}

// responseHeaderValid checks the reserved-bit pattern and the two
// Fletcher-16 header fields against RH0..RH2: RH3 must equal the upper sum
// mod 255 and RH4 the lower sum mod 255.
//
// RH0 is 0b10E0·LLL: bit 7 set, bit 6 clear, bit 3 clear (reserved,
// enforced by the 0xE8/0x80 mask), bit 4 is the is_error flag, bits 2-0
// are the high bits of the payload length. This is the wire profile
// named primary in spec.md §9 ("one places the flag in RH0 bit 4").
// There is no separate final/intermediate bit in this profile: this
// host never deals with multi-packet responses (explicitly out of
// scope), so every successfully parsed response is treated as final.
func responseHeaderValid(h [5]byte) bool {
	if h[0]&0xE8 != 0x80 {
		return false
	}
	lower, upper := fletcher16Sums(h[0:3])
	return upper%0xff == int(h[3])%0xff && lower%0xff == int(h[4])%0xff
}

// Parse feeds data through the state machine and returns the results
// produced along the way (zero or more). expectedToken is compared
// against each completed response: a response with the expected token
// that is also final causes MinBytesExpected to drop to zero, signaling
// the transaction engine that this read loop is done; any other complete
// response or error causes the parser to go on expecting a new header.
func (p *Parser) Parse(data []byte, expectedToken byte) []Result {
	var results []Result
	var extraData []byte

	for _, b := range data {
		switch p.state {
		case stateH0, stateH1, stateH2, stateH3, stateH4:
			results, extraData = p.feedHeaderByte(b, expectedToken, results, extraData)
		case statePayloadByte:
			p.feedPayloadByte(b)
		case statePayloadUpper:
			if p.upperSum%0xff == int(b)%0xff {
				p.state = statePayloadLower
			} else {
				p.state = stateSkip
			}
			p.MinBytesExpected--
		case statePayloadLower:
			results = p.feedPayloadLower(b, expectedToken, results)
		case stateSkip:
			p.MinBytesExpected--
			if p.MinBytesExpected == 0 {
				results = append(results, Result{Kind: KindError, Message: "bad checksum"})
				p.state = stateH0
				p.headerFill = 0
				p.MinBytesExpected = 5
			}
		}
	}

	if len(extraData) > 0 {
		results = append(results, Result{Kind: KindExtra, Data: extraData})
	}
	return results
}

func (p *Parser) feedHeaderByte(b byte, expectedToken byte, results []Result, extraData []byte) ([]Result, []byte) {
	if p.headerFill < 5 {
		p.header[p.headerFill] = b
		p.headerFill++
	}

	if p.headerFill < 5 {
		p.state = parserState(int(stateH0) + p.headerFill)
		p.MinBytesExpected = 5 - p.headerFill
		return results, extraData
	}

	// Fifth header byte just arrived: evaluate.
	if responseHeaderValid(p.header) {
		if len(extraData) > 0 {
			results = append(results, Result{Kind: KindExtra, Data: extraData})
			extraData = nil
		}
		p.isError = p.header[0]&0x10 != 0
		p.isFinal = true
		p.token = p.header[2]
		p.payloadSize = (int(p.header[0]&0x07) << 8) | int(p.header[1])

		if p.payloadSize == 0 {
			results = p.emitResponse(nil, expectedToken, results)
			p.state = stateH0
			p.headerFill = 0
			return results, extraData
		}

		p.chunkRemain = min(p.payloadSize, chunkSize)
		p.payloadRemain = p.payloadSize - p.chunkRemain
		p.lowerSum, p.upperSum = 0, 0
		p.payloadIndex = 0
		p.MinBytesExpected = bodySize(p.payloadSize)
		p.state = statePayloadByte
		return results, extraData
	}

	// Bad header: shift the buffer down one byte, move the byte shifted
	// out into the extraneous-bytes buffer, stay at H4 re-synchronizing
	// byte by byte.
	extraData = append(extraData, p.header[0])
	copy(p.header[0:4], p.header[1:5])
	p.header[4] = 0
	p.headerFill = 4
	p.state = stateH4
	p.MinBytesExpected = 1
	return results, extraData
}

func (p *Parser) feedPayloadByte(b byte) {
	p.lowerSum += int(b)
	p.upperSum += p.lowerSum
	p.payload[p.payloadIndex] = b
	p.payloadIndex++
	p.chunkRemain--
	p.MinBytesExpected--
	if p.chunkRemain == 0 {
		p.state = statePayloadUpper
	}
}

func (p *Parser) feedPayloadLower(b byte, expectedToken byte, results []Result) []Result {
	p.MinBytesExpected--
	if p.lowerSum%0xff != int(b)%0xff {
		if p.MinBytesExpected == 0 {
			// Last chunk: no body bytes are left to skip.
			results = append(results, Result{Kind: KindError, Message: "bad checksum"})
			p.state = stateH0
			p.headerFill = 0
			p.MinBytesExpected = 5
			return results
		}
		p.state = stateSkip
		return results
	}
	if p.payloadRemain == 0 {
		payload := make([]byte, p.payloadSize)
		copy(payload, p.payload[:p.payloadSize])
		results = p.emitResponse(payload, expectedToken, results)
		p.state = stateH0
		p.headerFill = 0
		return results
	}
	p.chunkRemain = min(p.payloadRemain, chunkSize)
	p.payloadRemain -= p.chunkRemain
	p.lowerSum, p.upperSum = 0, 0
	p.state = statePayloadByte
	return results
}

// emitResponse appends a response result and updates MinBytesExpected per
// §4.4: zero once a final response with the expected token has been
// produced (the transaction engine's read loop is done), five otherwise
// (ready to parse another response header).
func (p *Parser) emitResponse(payload []byte, expectedToken byte, results []Result) []Result {
	results = append(results, Result{
		Kind:    KindResponse,
		IsError: p.isError,
		IsFinal: p.isFinal,
		Token:   p.token,
		Payload: payload,
	})
	if p.token == expectedToken && p.isFinal {
		p.MinBytesExpected = 0
	} else {
		p.MinBytesExpected = 5
	}
	return results
}
