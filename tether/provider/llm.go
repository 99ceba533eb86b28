package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/dispatch"
)

// Endpoint API names understood by LLM.
const (
	APIOllama = "ollama"
	APIOpenAI = "openai"
)

var errEmptyCompletion = errors.New("empty completion")

// LLM serves the language-model opcodes against Ollama-style
// /api/generate or OpenAI-style /v1/completions endpoints.
type LLM struct {
	client    *http.Client
	endpoints []dispatch.Endpoint
}

func NewLLM(client *http.Client, endpoints []dispatch.Endpoint) *LLM {
	if client == nil {
		client = http.DefaultClient
	}
	return &LLM{client: client, endpoints: endpoints}
}

func (*LLM) Name() string                     { return "llm" }
func (*LLM) Family() bytecode.Family          { return bytecode.LLM }
func (p *LLM) Endpoints() []dispatch.Endpoint { return p.endpoints }

type completion struct {
	model       string
	prompt      string
	system      string
	maxTokens   int64
	temperature *float64
}

// request turns an instruction into a completion, applying the prompt
// framing for code generation and summarization.
func request(in *bytecode.Instruction, ep dispatch.Endpoint) (completion, error) {
	c := completion{model: ep.Model}
	if m, ok := in.StringParam("model"); ok && m != "" {
		c.model = m
	}
	c.system, _ = in.StringParam("system")
	c.maxTokens, _ = in.IntParam("max_tokens")
	if t, ok := in.FloatParam("temperature"); ok {
		c.temperature = &t
	}

	prompt, ok := in.StringParam("prompt")
	switch in.OpCode {
	case bytecode.LlmCodeGeneration:
		if !ok {
			return c, errors.New("code generation requires prompt")
		}
		lang, _ := in.StringParam("language")
		if lang != "" {
			prompt = fmt.Sprintf("Write %s code for the following task. Reply with code only.\n\n%s", lang, prompt)
		} else {
			prompt = "Write code for the following task. Reply with code only.\n\n" + prompt
		}
	case bytecode.LlmTextSummarization:
		text, hasText := in.StringParam("text")
		switch {
		case hasText:
			prompt = "Summarize the following text:\n\n" + text
		case ok:
			prompt = "Summarize the following text:\n\n" + prompt
		default:
			return c, errors.New("summarization requires text")
		}
	default:
		if !ok {
			return c, fmt.Errorf("%s requires prompt", in.OpCode)
		}
	}
	c.prompt = prompt
	return c, nil
}

func (p *LLM) Execute(ctx context.Context, in *bytecode.Instruction, ep dispatch.Endpoint) (bytecode.Value, error) {
	if in.OpCode.Family() != bytecode.LLM {
		return nil, fmt.Errorf("llm: unsupported opcode %s", in.OpCode)
	}
	c, err := request(in, ep)
	if err != nil {
		return nil, err
	}

	var text, model string
	switch ep.API {
	case APIOpenAI:
		text, model, err = p.openai(ctx, ep, c)
	case APIOllama, "":
		text, model, err = p.ollama(ctx, ep, c)
	default:
		return nil, fmt.Errorf("llm: unknown endpoint api %q", ep.API)
	}
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errEmptyCompletion
	}
	return bytecode.Map{
		"text":     bytecode.String(text),
		"model":    bytecode.String(model),
		"endpoint": bytecode.String(ep.Name),
	}, nil
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (p *LLM) ollama(ctx context.Context, ep dispatch.Endpoint, c completion) (string, string, error) {
	req := ollamaRequest{Model: c.model, Prompt: c.prompt, System: c.system}
	if c.temperature != nil || c.maxTokens > 0 {
		req.Options = map[string]any{}
		if c.temperature != nil {
			req.Options["temperature"] = *c.temperature
		}
		if c.maxTokens > 0 {
			req.Options["num_predict"] = c.maxTokens
		}
	}
	var resp ollamaResponse
	if err := postJSON(ctx, p.client, joinURL(ep.URL, "/api/generate"), ep.APIKey, req, &resp); err != nil {
		return "", "", err
	}
	return resp.Response, resp.Model, nil
}

type openaiRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int64    `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (p *LLM) openai(ctx context.Context, ep dispatch.Endpoint, c completion) (string, string, error) {
	prompt := c.prompt
	if c.system != "" {
		prompt = c.system + "\n\n" + prompt
	}
	req := openaiRequest{Model: c.model, Prompt: prompt, MaxTokens: c.maxTokens, Temperature: c.temperature}
	var resp openaiResponse
	if err := postJSON(ctx, p.client, joinURL(ep.URL, "/v1/completions"), ep.APIKey, req, &resp); err != nil {
		return "", "", err
	}
	if len(resp.Choices) == 0 {
		return "", resp.Model, nil
	}
	return resp.Choices[0].Text, resp.Model, nil
}
