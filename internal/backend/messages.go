package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ErrNoArticles is returned by GenerateMessage when no article is selected.
var ErrNoArticles = errors.New("no articles selected")

// MessageRequest asks for an outreach message about the selected articles.
type MessageRequest struct {
	Articles   []types.Article
	Persona    *types.Persona // nil 表示不指定收件人
	Platform   types.Platform
	Regenerate bool // 忽略服務端快取
}

// Message is a generated outreach message.
type Message struct {
	Text   string
	Cached bool
}

// GenerateMessage asks the service to write a platform-specific message.
func (c *Client) GenerateMessage(ctx context.Context, req MessageRequest) (Message, error) {
	if len(req.Articles) == 0 {
		return Message{}, ErrNoArticles
	}

	body := messageRequestDTO{
		Articles:   make([]messageArticleDTO, 0, len(req.Articles)),
		Persona:    req.Persona,
		Platform:   string(req.Platform),
		Regenerate: req.Regenerate,
	}
	for _, a := range req.Articles {
		body.Articles = append(body.Articles, toMessageArticle(a))
	}

	var resp messageResponseDTO
	if _, err := c.do(ctx, http.MethodPost, "/messages/generate", nil, body, &resp); err != nil {
		return Message{}, err
	}
	text := strings.TrimSpace(resp.Message)
	if text == "" {
		return Message{}, fmt.Errorf("%w: messages/generate returned an empty message", ErrMalformedResponse)
	}
	return Message{Text: text, Cached: resp.Cached}, nil
}
