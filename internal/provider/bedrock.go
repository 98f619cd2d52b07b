package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// Bedrock streams completions through the Converse API.
type Bedrock struct {
	client  *bedrockruntime.Client
	timeout time.Duration
}

// NewBedrock builds the Bedrock provider for the given region.
func NewBedrock(ctx context.Context, region string, timeout time.Duration) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(cfg), timeout: timeout}, nil
}

func (b *Bedrock) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.ModelID),
		Messages: bedrockMessages(req.Messages),
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(req.MaxTokens)),
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.Temperature != nil && !req.EnableThinking {
		input.InferenceConfig.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = bedrockToolConfig(req.Tools)
	}
	if req.EnableThinking {
		input.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": req.BudgetTokens,
			},
		})
	}

	sctx, cancel := context.WithTimeout(ctx, b.timeout)
	out, err := b.client.ConverseStream(sctx, input)
	if err != nil {
		cancel()
		return nil, models.WrapKind(models.ErrModelUpstream, "converse stream failed", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer cancel()
		defer close(events)
		stream := out.GetStream()
		defer stream.Close()

		tr := newBedrockTranslator()
		for frame := range stream.Events() {
			for _, ev := range tr.handle(frame) {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
			if tr.done {
				return
			}
		}
		var terminal Event
		if err := stream.Err(); err != nil {
			terminal = Event{Kind: KindError, Err: models.WrapKind(models.ErrModelUpstream, "stream interrupted", err)}
		} else if !tr.done {
			// Stream ended without a message stop frame.
			terminal = Event{Kind: KindStop, Stop: tr.stop("end_turn")}
		} else {
			return
		}
		select {
		case events <- terminal:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// bedrockTranslator lifts Converse content-block frames into provider
// events while assembling the assistant message.
type bedrockTranslator struct {
	text      strings.Builder
	blocks    []models.ContentBlock
	calls     []ToolCall
	toolID    string
	toolName  string
	toolInput strings.Builder
	inTool    bool
	done      bool
}

func newBedrockTranslator() *bedrockTranslator { return &bedrockTranslator{} }

func (tr *bedrockTranslator) handle(frame brtypes.ConverseStreamOutput) []Event {
	switch v := frame.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := v.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			tr.inTool = true
			tr.toolID = aws.ToString(start.Value.ToolUseId)
			tr.toolName = aws.ToString(start.Value.Name)
			tr.toolInput.Reset()
			return []Event{{Kind: KindToolName, Text: tr.toolName}}
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch delta := v.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			tr.text.WriteString(delta.Value)
			return []Event{{Kind: KindTextDelta, Text: delta.Value}}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			in := aws.ToString(delta.Value.Input)
			tr.toolInput.WriteString(in)
			return []Event{{Kind: KindToolInputDelta, Text: in}}
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if text, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok {
				return []Event{{Kind: KindThinkingDelta, Text: text.Value}}
			}
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		if tr.inTool {
			tr.inTool = false
			input := tr.toolInput.String()
			if input == "" {
				input = "{}"
			}
			tr.calls = append(tr.calls, ToolCall{ID: tr.toolID, LLMName: tr.toolName, Input: json.RawMessage(input)})
			tr.blocks = append(tr.blocks, models.ContentBlock{
				Type:    "tool_use",
				ToolUse: &models.ToolUseBlock{ID: tr.toolID, Name: tr.toolName, Input: json.RawMessage(input)},
			})
			return []Event{{Kind: KindToolInputStop}}
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		tr.done = true
		return []Event{{Kind: KindStop, Stop: tr.stop(string(v.Value.StopReason))}}

	case *brtypes.ConverseStreamOutputMemberMetadata:
		return nil

	default:
		log.Debug().Msgf("unhandled converse stream frame %T", frame)
		return nil
	}
}

// stop assembles the terminal event. The accumulated text becomes the
// leading content block so history replays in order.
func (tr *bedrockTranslator) stop(reason string) *Stop {
	var content []models.ContentBlock
	if tr.text.Len() > 0 {
		content = append(content, models.TextBlock(tr.text.String()))
	}
	content = append(content, tr.blocks...)
	return &Stop{Reason: reason, Content: content, ToolCalls: tr.calls}
}

// ── request conversion ───────────────────────────────────────

func bedrockMessages(msgs []models.Message) []brtypes.Message {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		role := brtypes.ConversationRoleUser
		if m.Role == models.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		var content []brtypes.ContentBlock
		for _, block := range m.Content {
			if cb := bedrockContentBlock(block); cb != nil {
				content = append(content, cb)
			}
		}
		if len(content) == 0 {
			continue
		}
		out = append(out, brtypes.Message{Role: role, Content: content})
	}
	return out
}

func bedrockContentBlock(block models.ContentBlock) brtypes.ContentBlock {
	switch block.Type {
	case "text":
		return &brtypes.ContentBlockMemberText{Value: block.Text}

	case "image":
		if block.Image == nil {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(block.Image.Base64)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable image block")
			return nil
		}
		return &brtypes.ContentBlockMemberImage{Value: brtypes.ImageBlock{
			Format: brtypes.ImageFormat(block.Image.Format),
			Source: &brtypes.ImageSourceMemberBytes{Value: raw},
		}}

	case "file":
		if block.File == nil {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(block.File.Base64)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable file block")
			return nil
		}
		return &brtypes.ContentBlockMemberDocument{Value: brtypes.DocumentBlock{
			Format: brtypes.DocumentFormat(block.File.Format),
			Name:   aws.String(block.File.Name),
			Source: &brtypes.DocumentSourceMemberBytes{Value: raw},
		}}

	case "tool_use":
		if block.ToolUse == nil {
			return nil
		}
		var input any
		if err := json.Unmarshal(block.ToolUse.Input, &input); err != nil {
			input = map[string]any{}
		}
		return &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
			ToolUseId: aws.String(block.ToolUse.ID),
			Name:      aws.String(block.ToolUse.Name),
			Input:     document.NewLazyDocument(input),
		}}

	case "tool_result":
		if block.ToolResult == nil {
			return nil
		}
		var content []brtypes.ToolResultContentBlock
		for _, rc := range block.ToolResult.Content {
			switch rc.Type {
			case "image":
				raw, err := base64.StdEncoding.DecodeString(rc.Data)
				if err != nil {
					continue
				}
				format := brtypes.ImageFormatPng
				if strings.HasSuffix(rc.MimeType, "jpeg") {
					format = brtypes.ImageFormatJpeg
				}
				content = append(content, &brtypes.ToolResultContentBlockMemberImage{Value: brtypes.ImageBlock{
					Format: format,
					Source: &brtypes.ImageSourceMemberBytes{Value: raw},
				}})
			default:
				content = append(content, &brtypes.ToolResultContentBlockMemberText{Value: rc.Text})
			}
		}
		status := brtypes.ToolResultStatusSuccess
		if block.ToolResult.IsError {
			status = brtypes.ToolResultStatusError
		}
		return &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
			ToolUseId: aws.String(block.ToolResult.ToolUseID),
			Content:   content,
			Status:    status,
		}}
	}
	return nil
}

func bedrockToolConfig(tools []models.ToolDescriptor) *brtypes.ToolConfiguration {
	out := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(t.LLMName),
			Description: aws.String(t.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: out}
}
