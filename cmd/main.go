package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-orchestrator/handler"
	"chat-orchestrator/internal/identity"
	"chat-orchestrator/internal/integrations/answergateway"
	"chat-orchestrator/internal/integrations/paramstore"
	"chat-orchestrator/internal/notify"
	"chat-orchestrator/internal/repository"
	"chat-orchestrator/internal/usecase"
)

const drainTimeout = 2 * time.Second

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	queryLogTable := envString("QUERY_LOG_TABLE", stateTable)
	gatewayURL := strings.TrimSpace(os.Getenv("ANSWER_GATEWAY_URL"))
	paramPrefix := strings.TrimSpace(os.Getenv("PARAM_PREFIX"))
	notifyURL := strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	demoEnabled := envBool("IDENTITY_DEMO_ENABLED", false)
	demoUserID := envString("DEMO_USER_ID", "demo-user")
	demoUserName := envString("DEMO_USER_NAME", "Demo User")
	appEnv := envString("APP_ENV", "production")
	maxQueryLen := envInt("MAX_QUERY_LENGTH", 4000)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	store, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create conversation store", "err", err)
		os.Exit(1)
	}
	queryLog, err := repository.NewQueryLog(dynamoClient, queryLogTable)
	if err != nil {
		slog.Error("failed to create query log", "err", err)
		os.Exit(1)
	}

	var (
		gatewayToken string
		jwtSecret    string
	)
	if paramPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramPrefix)
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		secrets, err := loadSecrets(ctx, ssmClient, "answer-gateway-token", "jwt-secret")
		if err != nil {
			slog.Error("failed to read secrets", "prefix", paramPrefix, "err", err)
			os.Exit(1)
		}
		gatewayToken = secrets["answer-gateway-token"]
		jwtSecret = secrets["jwt-secret"]
	}

	gatewayOpts := []answergateway.Option{answergateway.WithLogger(logger)}
	if gatewayToken != "" {
		gatewayOpts = append(gatewayOpts, answergateway.WithBearerToken(gatewayToken))
	}
	gateway, err := answergateway.NewClient(gatewayURL, gatewayOpts...)
	if err != nil {
		slog.Error("failed to create answer gateway client", "err", err)
		os.Exit(1)
	}
	if !gateway.Configured() {
		slog.Warn("ANSWER_GATEWAY_URL not set, all answers will be generated locally")
	}

	// ---- Identity ----
	strategies := []identity.Strategy{identity.AuthorizerClaims{}}
	if jwtSecret != "" {
		bearer, err := identity.NewBearerToken([]byte(jwtSecret))
		if err != nil {
			slog.Error("failed to create bearer token strategy", "err", err)
			os.Exit(1)
		}
		strategies = append(strategies, bearer)
	}
	if demoEnabled {
		slog.Warn("demo identity enabled", "userId", demoUserID)
		strategies = append(strategies, identity.Demo{UserID: demoUserID, DisplayName: demoUserName})
	}
	resolver, err := identity.NewResolver(strategies...)
	if err != nil {
		slog.Error("failed to create identity resolver", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	serviceOpts := []usecase.ServiceOption{
		usecase.WithLogger(logger),
		usecase.WithMaxQueryLength(maxQueryLen),
	}
	var dispatcher *notify.Dispatcher
	if notifyURL != "" {
		dispatcher, err = notify.NewDispatcher(notifyURL, notify.WithLogger(logger))
		if err != nil {
			slog.Error("failed to create notification dispatcher", "err", err)
			os.Exit(1)
		}
		dispatcher.Start()
		serviceOpts = append(serviceOpts, usecase.WithNotifier(dispatcher))
	}

	chatService, err := usecase.NewChatService(store, queryLog, gateway, serviceOpts...)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, resolver,
		handler.WithLogger(logger),
		handler.WithErrorDetails(appEnv != "production"),
	)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		if dispatcher == nil {
			return
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := dispatcher.Drain(drainCtx); err != nil {
			slog.Warn("notification drain incomplete", "err", err)
		}
	}))
}

// loadSecrets reads parameters that may legitimately be absent. An absent
// key only disables the feature that needs it; a failed read is returned so
// startup stops rather than running without the bearer strategy.
func loadSecrets(ctx context.Context, loader paramstore.OptionalLoader, keys ...string) (map[string]string, error) {
	values, err := loader.GetOptionalParameters(ctx, keys...)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if _, ok := values[key]; !ok {
			slog.Info("optional parameter not set", "key", key)
		}
	}
	return values, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
