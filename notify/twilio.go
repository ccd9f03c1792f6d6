package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/pkg/errors"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Messenger sends text messages and places voice calls.
type Messenger interface {
	SendSMS(ctx context.Context, to, body string) (sid string, err error)
	Call(ctx context.Context, to, say string) (sid string, err error)
}

// twilioAPI is the part of the Twilio v2010 API service we use.
type twilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

// TwilioMessenger sends through Twilio's REST API.
type TwilioMessenger struct {
	From string
	api  twilioAPI
}

func NewTwilioMessenger(accountSID, authToken, from string) (*TwilioMessenger, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("twilio credentials are not configured")
	}
	if from == "" {
		return nil, errors.New("twilio sender number is not configured")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioMessenger{From: from, api: client.Api}, nil
}

func (m *TwilioMessenger) SendSMS(ctx context.Context, to, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(m.From)
	params.SetBody(body)

	return await(ctx, func() (*string, error) {
		resp, err := m.api.CreateMessage(params)
		if err != nil {
			return nil, errors.Wrap(err, "twilio send failed")
		}
		return resp.Sid, nil
	})
}

func (m *TwilioMessenger) Call(ctx context.Context, to, say string) (string, error) {
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(m.From)
	params.SetTwiml(fmt.Sprintf("<Response><Say>%s</Say></Response>", html.EscapeString(say)))

	return await(ctx, func() (*string, error) {
		resp, err := m.api.CreateCall(params)
		if err != nil {
			return nil, errors.Wrap(err, "twilio call failed")
		}
		return resp.Sid, nil
	})
}

// await runs a blocking Twilio call and gives up when ctx ends first. The
// call itself keeps running until the client's own timeout.
func await(ctx context.Context, fn func() (*string, error)) (string, error) {
	type result struct {
		sid *string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sid, err := fn()
		ch <- result{sid, err}
	}()

	select {
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "twilio request abandoned")
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if r.sid == nil {
			return "", nil
		}
		return *r.sid, nil
	}
}
