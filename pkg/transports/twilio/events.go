package twilio

// Twilio Media Streams websocket messages.

type TwilioStart struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	From             string            `json:"from"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioDTMF struct {
	Digit string `json:"digit"`
}

type TwilioStop struct {
	CallSID string `json:"callSid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type TwilioEvent struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Mark           *TwilioMark  `json:"mark,omitempty"`
	DTMF           *TwilioDTMF  `json:"dtmf,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
}

// outboundMessage is what we write back on the media stream.
type outboundMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     *TwilioMedia `json:"media,omitempty"`
	Mark      *TwilioMark  `json:"mark,omitempty"`
}
