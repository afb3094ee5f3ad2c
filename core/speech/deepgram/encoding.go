package deepgram

// Encoding describes the raw audio Deepgram is asked to produce.
type Encoding struct {
	SampleRate int
	Format     Format
}

type Format string

const (
	FormatMulaw    Format = "mulaw"
	FormatALaw     Format = "alaw"
	FormatLinear16 Format = "linear16"
)

func DefaultEncoding() Encoding {
	return Encoding{SampleRate: 24000, Format: FormatLinear16}
}

func (e Encoding) IsZero() bool {
	return e.SampleRate == 0 || e.Format == ""
}

// BytesPerSample is -1 for unknown formats.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatMulaw, FormatALaw:
		return 1
	case FormatLinear16:
		return 2
	}
	return -1
}
