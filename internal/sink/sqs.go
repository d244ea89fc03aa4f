package sink

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS sends each point as one message. The point ID rides along as a
// message attribute for consumers that de-duplicate.
type SQS struct {
	client   sqsAPI
	queueURL string
}

func NewSQS(ctx context.Context, queueURL, region string) (*SQS, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, unavailable("sqs", err)
	}
	return &SQS{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

func (s *SQS) Write(ctx context.Context, p Point) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"point_id": {DataType: aws.String("String"), StringValue: aws.String(p.ID())},
			"run_id":   {DataType: aws.String("String"), StringValue: aws.String(p.RunID)},
			"ts":       {DataType: aws.String("Number"), StringValue: aws.String(strconv.FormatInt(p.Timestamp.UnixMilli(), 10))},
		},
	})
	if err != nil {
		return unavailable("sqs", err)
	}
	return nil
}

func (s *SQS) Close() error {
	return nil
}
