package agent

import "github.com/yhyyz/mcp-agent-gateway/pkg/models"

// imagePlaceholder replaces elided image content so the model still sees
// that something was there.
const imagePlaceholder = "[image elided to limit context size]"

// retainRecentImages rewrites history in place so that only the `keep`
// most recent image blocks survive; older ones become text placeholders.
// keep < 0 leaves history untouched; keep == 0 strips every image from
// prior turns.
func retainRecentImages(msgs []models.Message, keep int) {
	if keep < 0 {
		return
	}

	total := 0
	for _, m := range msgs {
		for _, block := range m.Content {
			total += countImages(block)
		}
	}
	toRemove := total - keep
	if toRemove <= 0 {
		return
	}

	// Walk oldest-first, dropping until the budget is used up.
	for mi := range msgs {
		for bi := range msgs[mi].Content {
			if toRemove <= 0 {
				return
			}
			block := &msgs[mi].Content[bi]
			switch {
			case block.Type == "image" && block.Image != nil:
				*block = models.TextBlock(imagePlaceholder)
				toRemove--
			case block.Type == "tool_result" && block.ToolResult != nil:
				for ci := range block.ToolResult.Content {
					if toRemove <= 0 {
						return
					}
					rc := &block.ToolResult.Content[ci]
					if rc.Type == "image" {
						*rc = models.ToolResultContent{Type: "text", Text: imagePlaceholder}
						toRemove--
					}
				}
			}
		}
	}
}

func countImages(block models.ContentBlock) int {
	switch {
	case block.Type == "image" && block.Image != nil:
		return 1
	case block.Type == "tool_result" && block.ToolResult != nil:
		n := 0
		for _, rc := range block.ToolResult.Content {
			if rc.Type == "image" {
				n++
			}
		}
		return n
	}
	return 0
}

// copyHistory deep-copies the message slice far enough that in-place
// image elision on the copy cannot corrupt the session's history.
func copyHistory(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		blocks := make([]models.ContentBlock, len(m.Content))
		copy(blocks, m.Content)
		for bi, b := range blocks {
			if b.ToolResult != nil {
				tr := *b.ToolResult
				tr.Content = make([]models.ToolResultContent, len(b.ToolResult.Content))
				copy(tr.Content, b.ToolResult.Content)
				blocks[bi].ToolResult = &tr
			}
		}
		out[i] = models.Message{Role: m.Role, Content: blocks}
	}
	return out
}
