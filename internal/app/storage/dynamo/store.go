// Package dynamo implements the storage interfaces on DynamoDB tables laid
// out as the serverless deployment provisions them.
package dynamo

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wattwise/energy-monitor/internal/app/domain/connection"
	"github.com/wattwise/energy-monitor/internal/app/domain/energy"
	"github.com/wattwise/energy-monitor/internal/app/domain/profile"
	"github.com/wattwise/energy-monitor/internal/app/storage"
)

// UserIndex is the connections table index keyed by UserId.
const UserIndex = "UserIdIndex"

// API is the subset of the DynamoDB client used by Store.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Tables names the three tables.
type Tables struct {
	Energy      string
	Profiles    string
	Connections string
}

// Store implements the storage interfaces backed by DynamoDB.
type Store struct {
	client API
	tables Tables
}

var _ storage.EnergyStore = (*Store)(nil)
var _ storage.ProfileStore = (*Store)(nil)
var _ storage.ConnectionStore = (*Store)(nil)

// New creates a Store using client.
func New(client API, tables Tables) *Store {
	return &Store{client: client, tables: tables}
}

// --- EnergyStore ------------------------------------------------------------

func (s *Store) PutReading(ctx context.Context, r energy.Reading) error {
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Energy),
		Item:      item,
	})
	return err
}

func (s *Store) QueryReadings(ctx context.Context, userID, start, end string) ([]energy.Reading, error) {
	// Date is a reserved word; the builder aliases every attribute name.
	cond := expression.Key("UserId").Equal(expression.Value(userID)).
		And(expression.Key("Date").Between(expression.Value(start), expression.Value(end)))
	return s.queryReadings(ctx, cond)
}

func (s *Store) ListReadings(ctx context.Context, userID string) ([]energy.Reading, error) {
	return s.queryReadings(ctx, expression.Key("UserId").Equal(expression.Value(userID)))
}

func (s *Store) queryReadings(ctx context.Context, cond expression.KeyConditionBuilder) ([]energy.Reading, error) {
	expr, err := expression.NewBuilder().WithKeyCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tables.Energy),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
	}

	var out []energy.Reading
	pages := dynamodb.NewQueryPaginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []energy.Reading
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal readings: %w", err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (s *Store) LatestReading(ctx context.Context, userID string) (energy.Reading, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("UserId").Equal(expression.Value(userID))).
		Build()
	if err != nil {
		return energy.Reading{}, fmt.Errorf("build key condition: %w", err)
	}

	res, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tables.Energy),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return energy.Reading{}, err
	}
	if len(res.Items) == 0 {
		return energy.Reading{}, storage.ErrNotFound
	}
	var r energy.Reading
	if err := attributevalue.UnmarshalMap(res.Items[0], &r); err != nil {
		return energy.Reading{}, fmt.Errorf("unmarshal reading: %w", err)
	}
	return r, nil
}

type readingKey struct {
	UserID string `dynamodbav:"UserId"`
	Date   string `dynamodbav:"Date"`
}

func (s *Store) ScanReadings(ctx context.Context, cursor string, limit int) ([]energy.Reading, string, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.tables.Energy)}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	if cursor != "" {
		i := strings.LastIndex(cursor, "|")
		if i < 0 {
			return nil, "", fmt.Errorf("invalid scan cursor %q", cursor)
		}
		start, err := attributevalue.MarshalMap(readingKey{UserID: cursor[:i], Date: cursor[i+1:]})
		if err != nil {
			return nil, "", err
		}
		input.ExclusiveStartKey = start
	}

	res, err := s.client.Scan(ctx, input)
	if err != nil {
		return nil, "", err
	}
	var page []energy.Reading
	if err := attributevalue.UnmarshalListOfMaps(res.Items, &page); err != nil {
		return nil, "", fmt.Errorf("unmarshal readings: %w", err)
	}

	next := ""
	if len(res.LastEvaluatedKey) > 0 {
		var k readingKey
		if err := attributevalue.UnmarshalMap(res.LastEvaluatedKey, &k); err != nil {
			return nil, "", fmt.Errorf("unmarshal scan key: %w", err)
		}
		next = k.UserID + "|" + k.Date
	}
	return page, next, nil
}

// --- ProfileStore -----------------------------------------------------------

func userKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"UserId": &types.AttributeValueMemberS{Value: userID}}
}

func (s *Store) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Profiles),
		Key:       userKey(userID),
	})
	if err != nil {
		return profile.Profile{}, err
	}
	if len(res.Item) == 0 {
		return profile.Profile{}, storage.ErrNotFound
	}
	var p profile.Profile
	if err := attributevalue.UnmarshalMap(res.Item, &p); err != nil {
		return profile.Profile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return p, nil
}

func (s *Store) PutThreshold(ctx context.Context, userID string, threshold float64, ttl int64) error {
	update := expression.Set(expression.Name("threshold"), expression.Value(threshold)).
		Set(expression.Name("TTL"), expression.Value(ttl))
	return s.update(ctx, userID, update)
}

func (s *Store) SetModel(ctx context.Context, userID, endpoint, trainingStartDate string) error {
	update := expression.Set(expression.Name("sagemakerEndpoint"), expression.Value(endpoint)).
		Set(expression.Name("trainingStartDate"), expression.Value(trainingStartDate))
	return s.update(ctx, userID, update)
}

func (s *Store) update(ctx context.Context, userID string, update expression.UpdateBuilder) error {
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Profiles),
		Key:                       userKey(userID),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

// --- ConnectionStore --------------------------------------------------------

func (s *Store) PutConnection(ctx context.Context, c connection.Connection) error {
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Connections),
		Item:      item,
	})
	return err
}

func (s *Store) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.Connections),
		Key: map[string]types.AttributeValue{
			"ConnectionId": &types.AttributeValueMemberS{Value: connectionID},
		},
	})
	return err
}

func (s *Store) ListConnections(ctx context.Context, userID string) ([]connection.Connection, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("UserId").Equal(expression.Value(userID))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}

	var out []connection.Connection
	pages := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tables.Connections),
		IndexName:                 aws.String(UserIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []connection.Connection
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal connections: %w", err)
		}
		out = append(out, batch...)
	}
	return out, nil
}
