package mailer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the subset of the SES client used by SES.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	ListIdentities(ctx context.Context, in *ses.ListIdentitiesInput, optFns ...func(*ses.Options)) (*ses.ListIdentitiesOutput, error)
	GetIdentityVerificationAttributes(ctx context.Context, in *ses.GetIdentityVerificationAttributesInput, optFns ...func(*ses.Options)) (*ses.GetIdentityVerificationAttributesOutput, error)
	VerifyEmailIdentity(ctx context.Context, in *ses.VerifyEmailIdentityInput, optFns ...func(*ses.Options)) (*ses.VerifyEmailIdentityOutput, error)
}

// SES sends mail through Amazon SES from a fixed source address.
type SES struct {
	client SESAPI
	from   string
}

func NewSES(client SESAPI, from string) *SES {
	return &SES{client: client, from: from}
}

func (s *SES) Send(ctx context.Context, msg Email) error {
	_, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: msg.To},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}

// RegisterAddress checks whether address is a known SES identity and asks
// SES to verify it when it is not.
func (s *SES) RegisterAddress(ctx context.Context, address string) (Registration, error) {
	exists, err := s.identityExists(ctx, address)
	if err != nil {
		return "", err
	}
	if !exists {
		if _, err := s.client.VerifyEmailIdentity(ctx, &ses.VerifyEmailIdentityInput{EmailAddress: aws.String(address)}); err != nil {
			return "", fmt.Errorf("ses verify identity: %w", err)
		}
		return VerificationSent, nil
	}

	attrs, err := s.client.GetIdentityVerificationAttributes(ctx, &ses.GetIdentityVerificationAttributesInput{
		Identities: []string{address},
	})
	if err != nil {
		return "", fmt.Errorf("ses verification attributes: %w", err)
	}
	if a, ok := attrs.VerificationAttributes[address]; ok && a.VerificationStatus == types.VerificationStatusSuccess {
		return AlreadyVerified, nil
	}
	return PendingVerification, nil
}

func (s *SES) identityExists(ctx context.Context, address string) (bool, error) {
	var next *string
	for {
		out, err := s.client.ListIdentities(ctx, &ses.ListIdentitiesInput{
			IdentityType: types.IdentityTypeEmailAddress,
			MaxItems:     aws.Int32(1000),
			NextToken:    next,
		})
		if err != nil {
			return false, fmt.Errorf("ses list identities: %w", err)
		}
		for _, id := range out.Identities {
			if id == address {
				return true, nil
			}
		}
		if out.NextToken == nil {
			return false, nil
		}
		next = out.NextToken
	}
}
