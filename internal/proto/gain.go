package proto

// Gain is the detector's analog gain setting. The zero value, Default,
// means "let the server pick" and is never sent on the wire by itself.
type Gain int

const (
	Default Gain = iota
	Low
	Mid
	High
	UltraHigh
)

func (g Gain) String() string {
	switch g {
	case Low:
		return "Low"
	case Mid:
		return "Mid"
	case High:
		return "High"
	case UltraHigh:
		return "UltraHigh"
	default:
		return "Default"
	}
}

// requestTokens is the gain token the server expects as a setthreshold
// argument. Built once; not mutated after init, so it is safe for concurrent
// read access without its own lock (package-level, not process-global
// shared state per spec.md's design note).
var requestTokens = map[Gain]string{
	Low:       "lowG",
	Mid:       "midG",
	High:      "highG",
	UltraHigh: "uhighG",
}

// replyWords maps the gain word(s) the server echoes back in a "Settings:"
// acknowledgement to the corresponding Gain value.
var replyWords = map[string]Gain{
	"low":        Low,
	"mid":        Mid,
	"high":       High,
	"ultra high": UltraHigh,
}

// RequestToken returns the wire token for a setthreshold command. The empty
// string is returned for Default, since Default has no wire representation.
func (g Gain) RequestToken() string {
	return requestTokens[g]
}

// ParseGainReply maps a server-echoed gain word to a Gain. ok is false if
// the word is not recognized.
func ParseGainReply(word string) (g Gain, ok bool) {
	g, ok = replyWords[word]
	return g, ok
}
