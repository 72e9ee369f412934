package dsclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	opensearch "github.com/opensearch-project/opensearch-go/v2"
	requestsigner "github.com/opensearch-project/opensearch-go/v2/signer/awsv2"
)

// Config описывает окружение, в котором собирается клиент. Должен быть
// задан ровно один способ аутентификации: либо CredentialsJSON (пара
// пользователь/пароль в JSON-объекте), либо IAMRoleName (подписанные
// запросы через провайдер учётных данных AWS).
type Config struct {
	// Endpoint — URL узла (PROV_ENDPOINT).
	Endpoint string
	// CredentialsJSON — содержимое PROV_CREDENTIALS, объект {"user": "pass"}.
	CredentialsJSON string
	// IAMRoleName — имя роли (SWEEPERS_IAM_ROLE_NAME); включает SigV4-подпись.
	IAMRoleName string
	// Region — регион для подписи запросов; по умолчанию us-west-2.
	Region string
	// VerifyTLS — проверка сертификатов хоста (выключается в DEV_MODE).
	VerifyTLS bool
}

const defaultSigningRegion = "us-west-2"

// подпись для serverless-колекций OpenSearch использует сервис "aoss"
const signingService = "aoss"

// New собирает клиент по конфигурации окружения.
func New(ctx context.Context, cfg Config) (Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("dsclient: endpoint is required")
	}

	hasUserPass := cfg.CredentialsJSON != ""
	hasIAMRole := cfg.IAMRoleName != ""
	if hasUserPass == hasIAMRole {
		return nil, errors.New("dsclient: exactly one of user/password credentials or IAM role name must be configured")
	}

	transport := &http.Transport{}
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if hasUserPass {
		username, password, err := ParseCredentials(cfg.CredentialsJSON)
		if err != nil {
			return nil, err
		}
		return NewUserPass(cfg.Endpoint, username, password, transport)
	}
	return NewSigV4(ctx, cfg, transport)
}

// NewUserPass — клиент с HTTP Basic аутентификацией.
func NewUserPass(endpoint, username, password string, transport http.RoundTripper) (Client, error) {
	return newOSClient(opensearch.Config{
		Addresses: []string{endpoint},
		Username:  username,
		Password:  password,
		Transport: transport,
	})
}

// NewSigV4 — клиент с подписью запросов. Провайдер учётных данных AWS
// передаётся подписчику как есть: ротация учётных данных остаётся за ним,
// заголовок авторизации не кэшируется между запросами.
func NewSigV4(ctx context.Context, cfg Config, transport http.RoundTripper) (Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("dsclient: load AWS configuration: %w", err)
	}
	if awsCfg.Region == "" {
		region := cfg.Region
		if region == "" {
			region = defaultSigningRegion
		}
		awsCfg.Region = region
	}
	logIdentity(ctx, awsCfg)

	signer, err := requestsigner.NewSignerWithService(awsCfg, signingService)
	if err != nil {
		return nil, fmt.Errorf("dsclient: construct request signer: %w", err)
	}

	return newOSClient(opensearch.Config{
		Addresses: []string{cfg.Endpoint},
		Signer:    signer,
		Transport: transport,
	})
}

func logIdentity(ctx context.Context, cfg aws.Config) {
	credentials, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		slog.Warn("failed to resolve AWS caller credentials", "error", err)
		return
	}
	// идентификатор ключа — не секрет; помогает сверить фактическую роль
	slog.Info("using signed requests", "access_key_id", credentials.AccessKeyID, "region", cfg.Region)
}

// ParseCredentials извлекает пару пользователь/пароль из JSON-объекта
// вида {"user": "pass"}.
func ParseCredentials(raw string) (username, password string, err error) {
	var parsed map[string]string
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", "", fmt.Errorf("dsclient: parse credentials JSON: %w", err)
	}
	if len(parsed) != 1 {
		return "", "", fmt.Errorf("dsclient: credentials JSON must contain exactly one user/password pair (got %d)", len(parsed))
	}
	for user, pass := range parsed {
		username, password = user, pass
	}
	if username == "" {
		return "", "", errors.New("dsclient: credentials JSON contains an empty username")
	}
	return username, password, nil
}
