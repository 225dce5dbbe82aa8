package app

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"zela-agent/internal/config"
	"zela-agent/internal/integrations/paramstore"
	"zela-agent/internal/repository"
	"zela-agent/internal/usecase"
)

// NewLambdaService wires the pipeline over DynamoDB with secrets read from
// SSM Parameter Store.
func NewLambdaService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*usecase.ProcessService, error) {
	if err := cfg.ValidateLambda(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.TableName)
	if err != nil {
		return nil, fmt.Errorf("app: create state client: %w", err)
	}

	return NewProcessService(cfg, store, ssmClient, logger)
}
