package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"discord-study-assistant-bot/internal/attach"
	"discord-study-assistant-bot/internal/config"
	"discord-study-assistant-bot/internal/relay"
	"discord-study-assistant-bot/internal/store"
)

const modelPickerPrefix = "set_model:"

var contextStore *store.ContextStore

type InboundMessage struct {
	Session *discordgo.Session
	Message *discordgo.MessageCreate
}

func Init(cs *store.ContextStore) (*discordgo.Session, chan *InboundMessage) {
	zap.L().Debug("initializing bot")

	contextStore = cs

	discord, err := discordgo.New("Bot " + config.Data.Discord.Token)
	queue := make(chan *InboundMessage, 128)

	if err != nil {
		zap.L().Panic("incorrect Discord token", zap.Error(err))
		return nil, nil
	}

	discord.AddHandler(func(session *discordgo.Session, message *discordgo.MessageCreate) {
		if message.Author.ID == config.Data.Discord.BotId {
			return
		}

		if message.GuildID == "" && !config.Data.Discord.AllowDM {
			return
		}

		queue <- &InboundMessage{session, message}
	})

	discord.AddHandler(handleModelPicker)

	discord.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentDirectMessages | discordgo.IntentMessageContent

	err = discord.Open()
	if err != nil {
		zap.L().Panic("error initializing Discord bot", zap.Error(err))
		return nil, nil
	}

	return discord, queue
}

// handleModelPicker persists a button selection from the !model picker. The
// selection also resets the conversation context.
func handleModelPicker(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionMessageComponent {
		return
	}

	data := interaction.MessageComponentData()
	if !strings.HasPrefix(data.CustomID, modelPickerPrefix) {
		return
	}
	model := strings.TrimPrefix(data.CustomID, modelPickerPrefix)

	userID := interactionUserID(interaction)
	if userID == "" {
		return
	}

	response := fmt.Sprintf("Current model set to '%s', context cleared.", model)
	if err := contextStore.SetModel(context.Background(), userID, model); err != nil {
		zap.L().Error("failed to persist model selection", zap.Error(err))
		response = err.Error()
	}

	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    response,
			Components: []discordgo.MessageComponent{},
		},
	})
	if err != nil {
		zap.L().Error("failed to respond to model selection", zap.Error(err))
	}
}

func interactionUserID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}

	return ""
}

func HandleMessage(msg *discordgo.MessageCreate, session *discordgo.Session, orch *relay.Orchestrator, ctx context.Context) {
	content := strings.TrimSpace(msg.Content)
	zap.L().Debug("message received", zap.String("user", msg.Author.ID), zap.String("text", content))

	switch content {
	case "!start":
		sendStart(session, msg, ctx)
		return
	case "!reset":
		sendReset(session, msg, ctx)
		return
	case "!model":
		sendModelPicker(session, msg)
		return
	}

	input := relay.Input{Text: content}
	if len(msg.Attachments) > 0 {
		attachment := msg.Attachments[0]
		input.Attachment = &attach.Inbound{
			Name: attachment.Filename,
			MIME: attachment.ContentType,
			Size: int64(attachment.Size),
			URL:  attachment.URL,
		}
		input.Caption = content

		var statusID string
		if status, err := session.ChannelMessageSend(msg.ChannelID, "File received!"); err == nil {
			statusID = status.ID
		}
		input.Notify = func(state attach.State) {
			text := stageText(state)
			if text == "" || statusID == "" {
				return
			}
			_, _ = session.ChannelMessageEdit(msg.ChannelID, statusID, text)
			_ = session.ChannelTyping(msg.ChannelID)
		}
	} else if content == "" {
		return
	}

	if config.Data.Discord.Typing {
		_ = session.ChannelTyping(msg.ChannelID)
	}

	reply, err := orch.HandleTurn(ctx, msg.Author.ID, input)
	if err != nil {
		zap.L().Error("turn failed", zap.String("user", msg.Author.ID), zap.Error(err))
		// Errors always reach the user as a plain message, never a silent drop.
		_, _ = session.ChannelMessageSend(msg.ChannelID, userFacingError(err))
		return
	}

	if len(reply.ConvertedPDF) > 0 {
		_, err = session.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
			Content: "Here is the document as PDF, in case you want to resend it. I only understand PDF!",
			Files: []*discordgo.File{{
				Name:        reply.PDFName,
				ContentType: "application/pdf",
				Reader:      bytes.NewReader(reply.ConvertedPDF),
			}},
		})
		if err != nil {
			zap.L().Error("failed to send converted pdf", zap.Error(err))
		}
	}

	deliverReply(session, msg.ChannelID, reply.Text)
}

func sendStart(session *discordgo.Session, msg *discordgo.MessageCreate, ctx context.Context) {
	model, err := contextStore.Model(ctx, msg.Author.ID)
	if err != nil {
		_, _ = session.ChannelMessageSend(msg.ChannelID, err.Error())
		return
	}

	text := fmt.Sprintf("Hi %s! I'm StudyLLMBot. Your ID: %s\nCurrent model: %s\nSend me a request and I'll try to help!",
		msg.Author.GlobalName, msg.Author.ID, model)
	_, _ = session.ChannelMessageSend(msg.ChannelID, text)
}

func sendReset(session *discordgo.Session, msg *discordgo.MessageCreate, ctx context.Context) {
	_ = session.ChannelTyping(msg.ChannelID)

	text := "Conversation context cleared!"
	if err := contextStore.Reset(ctx, msg.Author.ID); err != nil {
		text = err.Error()
	}
	_, _ = session.ChannelMessageSend(msg.ChannelID, text)
}

func sendModelPicker(session *discordgo.Session, msg *discordgo.MessageCreate) {
	var rows []discordgo.MessageComponent
	var row []discordgo.MessageComponent
	for _, model := range config.Data.ModelChoices {
		row = append(row, discordgo.Button{
			Label:    model,
			Style:    discordgo.SecondaryButton,
			CustomID: modelPickerPrefix + model,
		})
		// Discord caps a component row at five buttons.
		if len(row) == 5 {
			rows = append(rows, discordgo.ActionsRow{Components: row})
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, discordgo.ActionsRow{Components: row})
	}

	_, err := session.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Content:    "Pick a model:",
		Components: rows,
	})
	if err != nil {
		zap.L().Error("failed to send model picker", zap.Error(err))
	}
}

// deliverReply escapes markup and sends the reply to the channel.
func deliverReply(session *discordgo.Session, channelID string, text string) {
	deliver(relay.EscapeMarkup(text), config.Data.MaxMessageLength, func(part string) error {
		_, err := session.ChannelMessageSend(channelID, part)
		return err
	})
}

// deliver always attempts the whole formatted message first. On transport
// rejection it degrades to ordered chunks, and a rejected chunk is resent
// with markup escapes stripped rather than dropped.
func deliver(formatted string, maxLen int, send func(string) error) {
	if err := send(formatted); err == nil {
		return
	}
	zap.L().Warn("full reply rejected, falling back to chunks")

	unescape := strings.NewReplacer(`\*`, "*", `\_`, "_")
	for _, chunk := range relay.Chunk(formatted, maxLen) {
		if err := send(chunk); err != nil {
			zap.L().Warn("formatted chunk rejected, sending plain", zap.Error(err))
			if err := send(unescape.Replace(chunk)); err != nil {
				zap.L().Error("failed to deliver reply chunk", zap.Error(err))
			}
		}
	}
}

func stageText(state attach.State) string {
	switch state {
	case attach.StateReceived:
		return "File received!"
	case attach.StateConversionPending:
		return "Converting the file to PDF..."
	case attach.StateConversionDone:
		return "File converted to PDF!"
	case attach.StateUploadPending:
		return "Uploading the file to Gemini..."
	case attach.StateProcessing:
		return "Gemini is processing the file..."
	case attach.StateReady:
		return "Gemini is preparing an answer, this may take a while..."
	default:
		return ""
	}
}

func userFacingError(err error) string {
	if errors.Is(err, relay.ErrProviderUnavailable) {
		return "No response from the model, try again later...\nOr pick another model (!model)"
	}

	return err.Error()
}
