package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/dispatch"
)

// Image serves the image opcodes against a JSON endpoint that takes a
// prompt and answers with a base64 image, either as {"image": ...} or
// OpenAI-style {"data":[{"b64_json": ...}]}.
type Image struct {
	client        *http.Client
	endpoints     []dispatch.Endpoint
	maxResolution [2]int
}

func NewImage(client *http.Client, endpoints []dispatch.Endpoint, maxWidth, maxHeight int) *Image {
	if client == nil {
		client = http.DefaultClient
	}
	return &Image{client: client, endpoints: endpoints, maxResolution: [2]int{maxWidth, maxHeight}}
}

func (*Image) Name() string                     { return "image" }
func (*Image) Family() bytecode.Family          { return bytecode.Image }
func (p *Image) Endpoints() []dispatch.Endpoint { return p.endpoints }

var operations = map[bytecode.OpCode]string{
	bytecode.ImageGenerate:  "generate",
	bytecode.ImageEdit:      "edit",
	bytecode.ImageUpscale:   "upscale",
	bytecode.ImageVariation: "variation",
}

type imageRequest struct {
	Operation string `json:"operation"`
	Prompt    string `json:"prompt,omitempty"`
	Model     string `json:"model,omitempty"`
	Width     int64  `json:"width,omitempty"`
	Height    int64  `json:"height,omitempty"`
	Image     string `json:"image,omitempty"`
	Scale     int64  `json:"scale,omitempty"`
}

type imageResponse struct {
	Image  string `json:"image"`
	Format string `json:"format"`
	Data   []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (p *Image) Execute(ctx context.Context, in *bytecode.Instruction, ep dispatch.Endpoint) (bytecode.Value, error) {
	op, ok := operations[in.OpCode]
	if !ok {
		return nil, fmt.Errorf("image: unsupported opcode %s", in.OpCode)
	}

	req := imageRequest{Operation: op, Model: ep.Model}
	req.Prompt, _ = in.StringParam("prompt")
	if m, ok := in.StringParam("model"); ok && m != "" {
		req.Model = m
	}
	req.Width, _ = in.IntParam("width")
	req.Height, _ = in.IntParam("height")
	req.Scale, _ = in.IntParam("scale")
	if p.maxResolution[0] > 0 && (req.Width > int64(p.maxResolution[0]) || req.Height > int64(p.maxResolution[1])) {
		return nil, fmt.Errorf("image: %dx%d exceeds %dx%d", req.Width, req.Height, p.maxResolution[0], p.maxResolution[1])
	}
	if src, ok := in.BytesParam("image"); ok {
		req.Image = base64.StdEncoding.EncodeToString(src)
	} else if in.OpCode != bytecode.ImageGenerate {
		return nil, fmt.Errorf("image: %s requires image", in.OpCode)
	}

	var resp imageResponse
	if err := postJSON(ctx, p.client, ep.URL, ep.APIKey, req, &resp); err != nil {
		return nil, err
	}
	encoded := resp.Image
	if encoded == "" && len(resp.Data) > 0 {
		encoded = resp.Data[0].B64JSON
	}
	if encoded == "" {
		return nil, errors.New("image: response carried no image")
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("image: decoding image: %w", err)
	}
	format := resp.Format
	if format == "" {
		format = "png"
	}
	return bytecode.Map{
		"image":    bytecode.Bytes(img),
		"format":   bytecode.String(format),
		"width":    bytecode.Integer(req.Width),
		"height":   bytecode.Integer(req.Height),
		"endpoint": bytecode.String(ep.Name),
	}, nil
}
