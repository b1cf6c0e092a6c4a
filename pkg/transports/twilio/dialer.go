package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/rekrut/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

var defaultStatusEvents = []string{"initiated", "ringing", "answered", "completed"}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places and ends calls via the Twilio REST API.
type Dialer struct {
	cfg     Config
	client  callCreator
	updater callUpdater
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call. Without opts.URL the call is pointed at our
// voice webhook tagged with opts.SessionID.
func (d *Dialer) Dial(ctx context.Context, to, from string, opts transports.DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	target := opts.URL
	if target == "" {
		target = withSessionParam(publicHTTPURL(d.cfg, d.cfg.VoicePath), opts.SessionID)
	}
	statusURL := opts.StatusCallback
	if statusURL == "" {
		statusURL = publicHTTPURL(d.cfg, d.cfg.StatusCallbackPath)
	}
	events := opts.StatusCallbackEvents
	if len(events) == 0 {
		events = defaultStatusEvents
	}

	client := d.client
	if client == nil {
		client = d.rest().Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(target)
	params.SetMethod("POST")
	params.SetStatusCallback(statusURL)
	params.SetStatusCallbackEvent(events)
	params.SetStatusCallbackMethod("POST")
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

// Hangup marks a call completed.
func (d *Dialer) Hangup(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	updater := d.updater
	if updater == nil {
		updater = d.rest().Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := updater.UpdateCall(callSID, params)
	return err
}

func (d *Dialer) rest() *twilio.RestClient {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
}
