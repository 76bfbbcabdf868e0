// Copyright 2024 Yojana AI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package embedding

import (
	"context"

	"github.com/your-org/yojana-ai/internal/openai"
)

// OpenAIEmbedder adapts the OpenAI client to Embedder
type OpenAIEmbedder struct {
	client *openai.Client
}

// NewOpenAIEmbedder wraps an existing client
func NewOpenAIEmbedder(client *openai.Client) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client}
}

// EmbedTexts implements Embedder
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// EmbedQuery implements Embedder
func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return e.client.EmbedQuery(ctx, query)
}

// Model implements Embedder
func (e *OpenAIEmbedder) Model() string {
	return e.client.Model()
}
