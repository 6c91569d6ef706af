package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/dispatchd/internal/config"
	"github.com/ignite/dispatchd/internal/pkg/logger"
)

// Attachment is a binary file carried with a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is one outbound email.
type Message struct {
	FromEmail  string
	FromName   string
	To         string
	Subject    string
	HTML       string
	Attachment *Attachment
}

// SendResult carries the provider's acceptance of a message.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Mailer is the outbound mail transport.
type Mailer interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}

// SESMailer sends through AWS SES using the SDK v2. Messages with an
// attachment go out as raw MIME; plain messages use the simple API.
type SESMailer struct {
	client  *sesv2.Client
	timeout time.Duration
}

// NewSESMailer creates an SES mailer from static credentials.
func NewSESMailer(sesCfg config.SESConfig) (*SESMailer, error) {
	region := sesCfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if sesCfg.AccessKey != "" && sesCfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sesCfg.AccessKey, sesCfg.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESMailer{
		client:  sesv2.NewFromConfig(cfg),
		timeout: sesCfg.Timeout(),
	}, nil
}

// Send delivers a single email through SES, bounded by the configured
// timeout.
func (s *SESMailer) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
	}

	if msg.Attachment != nil {
		input.Content = &types.EmailContent{
			Raw: &types.RawMessage{Data: buildRawMIME(msg)},
		}
	} else {
		input.Content = &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sending via SES: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	logger.Info("sent message", "recipient", msg.To, "provider_message_id", messageID)
	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

const mimeBoundary = "dispatchd-mixed-boundary"

// buildRawMIME assembles a multipart/mixed message with an HTML part
// and one base64-encoded attachment.
func buildRawMIME(msg *Message) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s <%s>\r\n", mime.QEncoding.Encode("UTF-8", msg.FromName), msg.FromEmail)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n", mimeBoundary)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", mimeBoundary)
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.HTML)
	buf.WriteString("\r\n")

	contentType := msg.Attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	fmt.Fprintf(&buf, "--%s\r\n", mimeBoundary)
	fmt.Fprintf(&buf, "Content-Type: %s; name=\"%s\"\r\n", contentType, msg.Attachment.Filename)
	buf.WriteString("Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=\"%s\"\r\n", msg.Attachment.Filename)
	buf.WriteString("\r\n")

	encoded := base64.StdEncoding.EncodeToString(msg.Attachment.Content)
	// 76-char lines per RFC 2045.
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s--\r\n", mimeBoundary)
	return buf.Bytes()
}
