package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ProviderFamily int8

const (
	FamilyGroq ProviderFamily = iota
	FamilyOpenAI
	FamilyGemini
)

type Environment int8

const (
	Development Environment = iota
	Production
)

const DefaultSystemPrompt = "You are an assistant called StudyLLMBot. Your main task is to help students " +
	"with their studies. Be polite and helpful in all your answers and help students solve their problems. " +
	"Try to avoid double spaces and capital letters after a colon in your answers. Try to use fewer lists."

type DiscordConfig struct {
	Token   string
	BotId   string
	Typing  bool
	AllowDM bool
}

type GroqConfig struct {
	Endpoint string
	ApiKey   string
}

type OpenAIConfig struct {
	Endpoint string
	ApiKey   string
}

type GeminiConfig struct {
	ApiKey string
}

type RedisConfig struct {
	URL string
}

type ConverterConfig struct {
	Endpoint string
}

type Config struct {
	Discord   DiscordConfig
	Groq      GroqConfig
	OpenAI    OpenAIConfig
	Gemini    GeminiConfig
	Redis     RedisConfig
	Converter ConverterConfig

	// Models are resolved to a provider family explicitly, never by list
	// position. ModelChoices preserves the configured order for the picker.
	Families     map[string]ProviderFamily
	ModelChoices []string
	DefaultModel string
	// AttachmentModel is the session-family model every attachment turn is
	// forced onto.
	AttachmentModel string

	SystemPrompt     string
	MaxMessageLength int
	AttachmentDir    string
	ProxyURL         string
	LogLevel         zapcore.Level
	EnvType          Environment
}

var Data *Config = nil

func Init() {
	config := Config{}
	Data = &config

	viper.AddConfigPath(".")
	viper.SetConfigName("app")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		config.LogLevel = zapcore.DebugLevel

		InitLogger()
		zap.L().Fatal("error reading config file", zap.Error(err))
	}

	levelString := viper.GetString("LOG_LEVEL")
	switch levelString {
	case "debug":
		config.LogLevel = zapcore.DebugLevel
	case "info":
		config.LogLevel = zapcore.InfoLevel
	case "warn":
		config.LogLevel = zapcore.WarnLevel
	case "error":
		config.LogLevel = zapcore.ErrorLevel
	default:
		config.LogLevel = zapcore.InfoLevel
	}

	InitLogger()

	envString := viper.Get("APP_ENV")
	switch envString {
	case "production", "prod":
		config.EnvType = Production
	default:
		config.EnvType = Development
	}

	config.Discord = DiscordConfig{
		Token:   viper.GetString("DISCORD_TOKEN"),
		BotId:   viper.GetString("DISCORD_BOT_ID"),
		Typing:  viper.GetBool("DISCORD_TYPING"),
		AllowDM: viper.GetBool("DISCORD_ALLOW_DM"),
	}

	config.Groq = GroqConfig{
		Endpoint: viper.GetString("GROQ_ENDPOINT"),
		ApiKey:   viper.GetString("GROQ_API_KEY"),
	}

	config.OpenAI = OpenAIConfig{
		Endpoint: viper.GetString("OPENAI_ENDPOINT"),
		ApiKey:   viper.GetString("OPENAI_API_KEY"),
	}

	config.Gemini = GeminiConfig{
		ApiKey: viper.GetString("GEMINI_API_KEY"),
	}

	config.Redis = RedisConfig{
		URL: viper.GetString("REDIS_URL"),
	}

	config.Converter = ConverterConfig{
		Endpoint: viper.GetString("CONVERTER_URL"),
	}

	config.Families = make(map[string]ProviderFamily)
	groqModels := splitModels(viper.GetString("GROQ_MODELS"))
	openaiModels := splitModels(viper.GetString("OPENAI_MODELS"))
	geminiModels := splitModels(viper.GetString("GEMINI_MODELS"))

	for _, model := range groqModels {
		config.Families[model] = FamilyGroq
		config.ModelChoices = append(config.ModelChoices, model)
	}
	for _, model := range openaiModels {
		config.Families[model] = FamilyOpenAI
		config.ModelChoices = append(config.ModelChoices, model)
	}
	for _, model := range geminiModels {
		config.Families[model] = FamilyGemini
		config.ModelChoices = append(config.ModelChoices, model)
	}

	if len(config.ModelChoices) == 0 {
		zap.L().Fatal("at least one model is required")
	}

	config.DefaultModel = config.ModelChoices[0]
	if len(geminiModels) > 0 {
		config.AttachmentModel = geminiModels[0]
	}

	config.SystemPrompt = viper.GetString("SYSTEM_PROMPT")
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}

	config.MaxMessageLength = viper.GetInt("MAX_MESSAGE_LENGTH")
	if config.MaxMessageLength == 0 {
		config.MaxMessageLength = 4000
	}

	config.AttachmentDir = viper.GetString("ATTACHMENT_DIR")
	if config.AttachmentDir == "" {
		config.AttachmentDir = "attachments"
	}

	config.ProxyURL = viper.GetString("PROXY_URL")

	if config.Discord.BotId == "" || config.Discord.Token == "" {
		zap.L().Fatal("invalid discord config")
	}

	if config.Redis.URL == "" {
		zap.L().Fatal("redis url is required")
	}

	zap.L().Debug("config loaded")
}

func splitModels(raw string) []string {
	if raw == "" {
		return nil
	}

	var models []string
	for _, model := range strings.Split(raw, ",") {
		model = strings.TrimSpace(model)
		if model != "" {
			models = append(models, model)
		}
	}

	return models
}

func InitLogger() {
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(Data.LogLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	if Data.EnvType == Development {
		zapConfig.Development = true
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zapConfig.EncoderConfig.TimeKey = ""
		zapConfig.EncoderConfig.LevelKey = ""
	}

	logger, _ := zapConfig.Build()
	defer zap.ReplaceGlobals(logger)
}
