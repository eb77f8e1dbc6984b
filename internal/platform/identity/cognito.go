package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
)

// CognitoAPI is the subset of the Cognito user pool client used by Cognito.
type CognitoAPI interface {
	SignUp(ctx context.Context, in *cip.SignUpInput, optFns ...func(*cip.Options)) (*cip.SignUpOutput, error)
	ConfirmSignUp(ctx context.Context, in *cip.ConfirmSignUpInput, optFns ...func(*cip.Options)) (*cip.ConfirmSignUpOutput, error)
	InitiateAuth(ctx context.Context, in *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
	ForgotPassword(ctx context.Context, in *cip.ForgotPasswordInput, optFns ...func(*cip.Options)) (*cip.ForgotPasswordOutput, error)
	ConfirmForgotPassword(ctx context.Context, in *cip.ConfirmForgotPasswordInput, optFns ...func(*cip.Options)) (*cip.ConfirmForgotPasswordOutput, error)
	ResendConfirmationCode(ctx context.Context, in *cip.ResendConfirmationCodeInput, optFns ...func(*cip.Options)) (*cip.ResendConfirmationCodeOutput, error)
	AdminGetUser(ctx context.Context, in *cip.AdminGetUserInput, optFns ...func(*cip.Options)) (*cip.AdminGetUserOutput, error)
}

// Cognito is a Provider backed by a Cognito user pool app client.
type Cognito struct {
	client     CognitoAPI
	userPoolID string
	clientID   string
}

func NewCognito(client CognitoAPI, userPoolID, clientID string) *Cognito {
	return &Cognito{client: client, userPoolID: userPoolID, clientID: clientID}
}

func (c *Cognito) SignUp(ctx context.Context, email, password string) error {
	_, err := c.client.SignUp(ctx, &cip.SignUpInput{
		ClientId: aws.String(c.clientID),
		Username: aws.String(email),
		Password: aws.String(password),
		UserAttributes: []types.AttributeType{
			{Name: aws.String("email"), Value: aws.String(email)},
		},
	})
	return translate(err)
}

func (c *Cognito) ConfirmSignUp(ctx context.Context, email, code string) error {
	_, err := c.client.ConfirmSignUp(ctx, &cip.ConfirmSignUpInput{
		ClientId:         aws.String(c.clientID),
		Username:         aws.String(email),
		ConfirmationCode: aws.String(code),
	})
	return translate(err)
}

func (c *Cognito) Login(ctx context.Context, email, password string) (Tokens, error) {
	out, err := c.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(c.clientID),
		AuthParameters: map[string]string{
			"USERNAME": email,
			"PASSWORD": password,
		},
	})
	if err != nil {
		return Tokens{}, translate(err)
	}
	res := out.AuthenticationResult
	if res == nil || res.AccessToken == nil || res.IdToken == nil || res.RefreshToken == nil {
		return Tokens{}, ErrIncompleteResult
	}
	return Tokens{
		AccessToken:  aws.ToString(res.AccessToken),
		IDToken:      aws.ToString(res.IdToken),
		RefreshToken: aws.ToString(res.RefreshToken),
	}, nil
}

func (c *Cognito) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	out, err := c.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeRefreshTokenAuth,
		ClientId: aws.String(c.clientID),
		AuthParameters: map[string]string{
			"REFRESH_TOKEN": refreshToken,
		},
	})
	if err != nil {
		return Tokens{}, translate(err)
	}
	res := out.AuthenticationResult
	if res == nil || res.AccessToken == nil || res.IdToken == nil {
		return Tokens{}, ErrIncompleteResult
	}
	return Tokens{AccessToken: aws.ToString(res.AccessToken), IDToken: aws.ToString(res.IdToken)}, nil
}

func (c *Cognito) ForgotPassword(ctx context.Context, email string) error {
	_, err := c.client.ForgotPassword(ctx, &cip.ForgotPasswordInput{
		ClientId: aws.String(c.clientID),
		Username: aws.String(email),
	})
	return translate(err)
}

func (c *Cognito) ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error {
	_, err := c.client.ConfirmForgotPassword(ctx, &cip.ConfirmForgotPasswordInput{
		ClientId:         aws.String(c.clientID),
		Username:         aws.String(email),
		ConfirmationCode: aws.String(code),
		Password:         aws.String(newPassword),
	})
	return translate(err)
}

func (c *Cognito) ResendCode(ctx context.Context, email string) error {
	_, err := c.client.ResendConfirmationCode(ctx, &cip.ResendConfirmationCodeInput{
		ClientId: aws.String(c.clientID),
		Username: aws.String(email),
	})
	return translate(err)
}

func (c *Cognito) UserEmail(ctx context.Context, userID string) (string, error) {
	out, err := c.client.AdminGetUser(ctx, &cip.AdminGetUserInput{
		UserPoolId: aws.String(c.userPoolID),
		Username:   aws.String(userID),
	})
	if err != nil {
		return "", translate(err)
	}
	for _, attr := range out.UserAttributes {
		if aws.ToString(attr.Name) == "email" {
			return aws.ToString(attr.Value), nil
		}
	}
	return "", nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var (
		exists       *types.UsernameExistsException
		mismatch     *types.CodeMismatchException
		expired      *types.ExpiredCodeException
		badPassword  *types.InvalidPasswordException
		notAuth      *types.NotAuthorizedException
		notConfirmed *types.UserNotConfirmedException
		notFound     *types.UserNotFoundException
		limit        *types.LimitExceededException
	)
	switch {
	case errors.As(err, &exists):
		return fmt.Errorf("%w: %v", ErrUserExists, err)
	case errors.As(err, &mismatch):
		return fmt.Errorf("%w: %v", ErrCodeMismatch, err)
	case errors.As(err, &expired):
		return fmt.Errorf("%w: %v", ErrExpiredCode, err)
	case errors.As(err, &badPassword):
		return fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	case errors.As(err, &notAuth):
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	case errors.As(err, &notConfirmed):
		return fmt.Errorf("%w: %v", ErrUserNotConfirmed, err)
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %v", ErrUserNotFound, err)
	case errors.As(err, &limit):
		return fmt.Errorf("%w: %v", ErrLimitExceeded, err)
	}
	return err
}
