package transport

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/db"
)

type recordingTransport struct {
	channel string
	sent    []Message
	err     error
}

func (r *recordingTransport) Send(ctx context.Context, msg Message) error {
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordingTransport) SupportsChannel(channel string) bool {
	return channel == r.channel
}

func TestMultiTransportRouting(t *testing.T) {
	email := &recordingTransport{channel: db.ChannelEmail}
	sms := &recordingTransport{channel: db.ChannelSMS}
	multi := NewMultiTransport(zap.NewNop(), email, sms)

	if err := multi.Send(context.Background(), Message{Channel: db.ChannelSMS, To: "+254700000001", Text: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(sms.sent) != 1 || len(email.sent) != 0 {
		t.Errorf("sms sent %d, email sent %d; want 1 and 0", len(sms.sent), len(email.sent))
	}

	err := multi.Send(context.Background(), Message{Channel: "fax"})
	if !errors.Is(err, ErrUnsupportedChannel) {
		t.Errorf("Send(fax) error = %v, want ErrUnsupportedChannel", err)
	}
}

func TestMultiTransportSupportsChannel(t *testing.T) {
	multi := NewMultiTransport(zap.NewNop(), &recordingTransport{channel: db.ChannelEmail})

	tests := []struct {
		channel string
		want    bool
	}{
		{db.ChannelEmail, true},
		{db.ChannelSMS, false},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			if got := multi.SupportsChannel(tt.channel); got != tt.want {
				t.Errorf("SupportsChannel(%s) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}
}

func TestMultiTransportPropagatesError(t *testing.T) {
	failing := &recordingTransport{channel: db.ChannelEmail, err: errors.New("mailbox full")}
	multi := NewMultiTransport(zap.NewNop(), failing)

	err := multi.Send(context.Background(), Message{Channel: db.ChannelEmail, To: "a@example.com"})
	if err == nil || err.Error() != "mailbox full" {
		t.Errorf("Send() error = %v, want mailbox full", err)
	}
}

func TestLogTransportSupportsChannels(t *testing.T) {
	all := NewLogTransport(zap.NewNop())
	for _, ch := range []string{db.ChannelEmail, db.ChannelSMS} {
		if !all.SupportsChannel(ch) {
			t.Errorf("LogTransport should support %s channel", ch)
		}
	}

	smsOnly := NewLogTransport(zap.NewNop(), db.ChannelSMS)
	if smsOnly.SupportsChannel(db.ChannelEmail) {
		t.Error("sms-only LogTransport should not support email")
	}
	if err := smsOnly.Send(context.Background(), Message{Channel: db.ChannelSMS, To: "+254700000001"}); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESTransportSend(t *testing.T) {
	client := &fakeSES{}
	tr := &SESTransport{client: client, from: "noreply@example.com", logger: zap.NewNop()}

	err := tr.Send(context.Background(), Message{
		Channel: db.ChannelEmail,
		To:      "mary@example.com",
		Subject: "Sunday service",
		Text:    "See you",
		HTML:    "<p>See you</p>",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got := client.input.Destination.ToAddresses; len(got) != 1 || got[0] != "mary@example.com" {
		t.Errorf("ToAddresses = %v", got)
	}
	if client.input.Message.Body.Html == nil || aws.ToString(client.input.Message.Body.Html.Data) != "<p>See you</p>" {
		t.Error("expected HTML body part")
	}
	if aws.ToString(client.input.Source) != "noreply@example.com" {
		t.Errorf("Source = %q", aws.ToString(client.input.Source))
	}
}

func TestSESTransportValidation(t *testing.T) {
	tr := &SESTransport{client: &fakeSES{}, logger: zap.NewNop()}

	tests := []struct {
		name string
		msg  Message
	}{
		{"wrong_channel", Message{Channel: db.ChannelSMS, To: "a@example.com", Subject: "s"}},
		{"missing_to", Message{Channel: db.ChannelEmail, Subject: "s"}},
		{"missing_subject", Message{Channel: db.ChannelEmail, To: "a@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tr.Send(context.Background(), tt.msg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSESTransportProviderError(t *testing.T) {
	tr := &SESTransport{client: &fakeSES{err: errors.New("throttled")}, logger: zap.NewNop()}

	err := tr.Send(context.Background(), Message{Channel: db.ChannelEmail, To: "a@example.com", Subject: "s"})
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Errorf("Send() error = %v, want provider error", err)
	}
}

type fakeSNS struct {
	input *sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	return &sns.PublishOutput{MessageId: aws.String("sms-1")}, nil
}

func TestSNSTransportSend(t *testing.T) {
	client := &fakeSNS{}
	tr := &SNSTransport{client: client, senderID: "RUWE", logger: zap.NewNop()}

	err := tr.Send(context.Background(), Message{Channel: db.ChannelSMS, To: "+254700000001", Text: "We missed you"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if aws.ToString(client.input.PhoneNumber) != "+254700000001" {
		t.Errorf("PhoneNumber = %q", aws.ToString(client.input.PhoneNumber))
	}
	if _, ok := client.input.MessageAttributes["AWS.SNS.SMS.SenderID"]; !ok {
		t.Error("expected sender id attribute")
	}
}

func TestSNSTransportValidation(t *testing.T) {
	tr := &SNSTransport{client: &fakeSNS{}, logger: zap.NewNop()}

	if err := tr.Send(context.Background(), Message{Channel: db.ChannelSMS, Text: "hi"}); err == nil {
		t.Error("expected error for missing phone number")
	}
	if err := tr.Send(context.Background(), Message{Channel: db.ChannelSMS, To: "+254700000001"}); err == nil {
		t.Error("expected error for missing text")
	}
	if tr.SupportsChannel(db.ChannelEmail) {
		t.Error("SNS transport should not support email")
	}
}

func TestSMTPTransportSend(t *testing.T) {
	tr := NewSMTPTransport(SMTPConfig{Host: "mail.local", Port: 25, From: "noreply@example.com"}, zap.NewNop())

	var gotAddr string
	var gotTo []string
	var gotMsg string
	tr.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	err := tr.Send(context.Background(), Message{
		Channel: db.ChannelEmail,
		To:      "john@example.com",
		Subject: "Hello",
		Text:    "plain body",
		HTML:    "<p>html body</p>",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotAddr != "mail.local:25" {
		t.Errorf("addr = %q", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "john@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	for _, want := range []string{"multipart/alternative", "plain body", "<p>html body</p>", "text/html"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSMTPTransportError(t *testing.T) {
	tr := NewSMTPTransport(SMTPConfig{Host: "mail.local", Port: 25}, zap.NewNop())
	tr.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err := tr.Send(context.Background(), Message{Channel: db.ChannelEmail, To: "john@example.com"})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Send() error = %v", err)
	}
}
