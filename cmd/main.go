package main

import (
	"context"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"discord-study-assistant-bot/internal/attach"
	"discord-study-assistant-bot/internal/bot"
	"discord-study-assistant-bot/internal/config"
	"discord-study-assistant-bot/internal/llm"
	"discord-study-assistant-bot/internal/relay"
	"discord-study-assistant-bot/internal/store"
)

func main() {
	appCtx, cancel := context.WithCancel(context.Background())
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	config.Init()

	kv, err := store.NewRedisKV(config.Data.Redis.URL)
	if err != nil {
		zap.L().Fatal("invalid redis url", zap.Error(err))
	}

	contextStore := store.New(kv, config.Data.SystemPrompt, config.Data.DefaultModel, config.Data.ModelChoices)

	gateway := llm.NewGateway()
	var groqClient *llm.CompletionClient
	var openaiClient *llm.CompletionClient
	var geminiClient *llm.GeminiClient

	for model, family := range config.Data.Families {
		switch family {
		case config.FamilyGroq:
			if groqClient == nil {
				groqClient = llm.NewCompletionClient(config.Data.Groq.Endpoint, config.Data.Groq.ApiKey, config.Data.ProxyURL)
			}
			gateway.RegisterCompletion(model, groqClient)
		case config.FamilyOpenAI:
			if openaiClient == nil {
				openaiClient = llm.NewCompletionClient(config.Data.OpenAI.Endpoint, config.Data.OpenAI.ApiKey, config.Data.ProxyURL)
			}
			gateway.RegisterCompletion(model, openaiClient)
		case config.FamilyGemini:
			if geminiClient == nil {
				geminiClient, err = llm.NewGeminiClient(appCtx, config.Data.Gemini.ApiKey, config.Data.SystemPrompt)
				if err != nil {
					zap.L().Fatal("error initializing Gemini client", zap.Error(err))
				}
			}
			gateway.RegisterSession(model, geminiClient)
		}
	}

	var converter attach.DocumentConverter
	if config.Data.Converter.Endpoint != "" {
		converter = attach.NewConverter(config.Data.Converter.Endpoint)
	}

	var sessionProvider llm.SessionProvider
	if geminiClient != nil {
		sessionProvider = geminiClient
	}
	pipeline := attach.NewPipeline(kv, sessionProvider, converter, config.Data.AttachmentDir)

	orchestrator := relay.NewOrchestrator(contextStore, gateway, pipeline, relay.DefaultPolicy(), config.Data.AttachmentModel)

	botInstance, messageQueue := bot.Init(contextStore)

	for {
		select {
		case message := <-messageQueue:
			go bot.HandleMessage(message.Message, message.Session, orchestrator, appCtx)
		case <-appCtx.Done():
			_ = botInstance.Close()
		case <-interrupt:
			zap.L().Info("exiting")
			cancel()
			_ = botInstance.Close()
			if geminiClient != nil {
				_ = geminiClient.Close()
			}
			_ = kv.Close()
			zap.L().Debug("done")
			return
		}
	}
}
