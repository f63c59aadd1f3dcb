// Package workflow builds and validates ComfyUI prompt graphs for image
// generation. Node ids are fixed so downstream tooling can address the
// sampler and save nodes directly; LoRA loaders are chained in from id 10.
package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
)

// Fixed node ids of the base graph.
const (
	nodeKSampler     = "3"
	nodeCheckpoint   = "4"
	nodeEmptyLatent  = "5"
	nodePositiveClip = "6"
	nodeNegativeClip = "7"
	nodeVAEDecode    = "8"
	nodeSaveImage    = "9"

	loraChainStart = 10
	maxLoras       = 5
)

// Defaults applied when params omit a field.
const (
	DefaultWidth     = 512
	DefaultHeight    = 512
	DefaultSteps     = 20
	DefaultCfg       = 7.0
	DefaultSampler   = "euler"
	DefaultScheduler = "normal"

	defaultStrength = 1.0

	filenamePrefix = "influencerai"
)

// LoraParam is one LoRA applied to the model/clip chain.
type LoraParam struct {
	Path          string   `json:"path" validate:"required"`
	StrengthModel *float64 `json:"strengthModel,omitempty" validate:"omitempty,min=0,max=100"`
	StrengthClip  *float64 `json:"strengthClip,omitempty" validate:"omitempty,min=0,max=100"`
}

// Params are the image-generation inputs. Optional numerics are pointers so
// an explicit zero is validated rather than silently replaced by a default.
type Params struct {
	Prompt         string      `json:"prompt" validate:"required"`
	NegativePrompt string      `json:"negativePrompt,omitempty"`
	Checkpoint     string      `json:"checkpoint" validate:"required"`
	Width          *int        `json:"width,omitempty" validate:"omitempty,min=256,max=2048"`
	Height         *int        `json:"height,omitempty" validate:"omitempty,min=256,max=2048"`
	Steps          *int        `json:"steps,omitempty" validate:"omitempty,min=1,max=150"`
	CfgScale       *float64    `json:"cfgScale,omitempty" validate:"omitempty,min=1,max=30"`
	Seed           *int64      `json:"seed,omitempty"`
	Sampler        string      `json:"sampler,omitempty"`
	Scheduler      string      `json:"scheduler,omitempty"`
	Loras          []LoraParam `json:"loras,omitempty" validate:"max=5,dive"`
}

// Node is a single graph node in ComfyUI API format.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Workflow maps node id to node.
type Workflow map[string]Node

// AsMap converts the workflow to the generic shape the ComfyUI client
// submits. The round trip cannot fail for values produced by Build.
func (w Workflow) AsMap() map[string]any {
	b, _ := json.Marshal(w)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// conn references output slot of another node.
func conn(id string, slot int) []any {
	return []any{id, slot}
}

// Build produces the prompt graph for params and returns it with the seed
// actually used. Params are validated first; LoRA paths are resolved to
// loader-relative names.
func Build(p Params) (Workflow, int64, error) {
	if err := ValidateParams(p); err != nil {
		return nil, 0, err
	}

	width := DefaultWidth
	if p.Width != nil {
		width = *p.Width
	}
	height := DefaultHeight
	if p.Height != nil {
		height = *p.Height
	}
	steps := DefaultSteps
	if p.Steps != nil {
		steps = *p.Steps
	}
	cfg := float64(DefaultCfg)
	if p.CfgScale != nil {
		cfg = *p.CfgScale
	}
	sampler := p.Sampler
	if sampler == "" {
		sampler = DefaultSampler
	}
	scheduler := p.Scheduler
	if scheduler == "" {
		scheduler = DefaultScheduler
	}
	var seed int64
	if p.Seed != nil {
		seed = *p.Seed
	} else {
		seed = rand.Int63n(math.MaxInt32) + 1
	}

	w := Workflow{
		nodeCheckpoint: {
			ClassType: "CheckpointLoaderSimple",
			Inputs:    map[string]any{"ckpt_name": p.Checkpoint},
		},
		nodeEmptyLatent: {
			ClassType: "EmptyLatentImage",
			Inputs:    map[string]any{"width": width, "height": height, "batch_size": 1},
		},
	}

	// Model/clip flow through the LoRA chain when present.
	modelSrc := conn(nodeCheckpoint, 0)
	clipSrc := conn(nodeCheckpoint, 1)
	for i, l := range p.Loras {
		name, err := ResolveLoraPath(l.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("loras[%d].path: %w", i, err)
		}
		id := strconv.Itoa(loraChainStart + i)
		w[id] = Node{
			ClassType: "LoraLoader",
			Inputs: map[string]any{
				"lora_name":      name,
				"strength_model": strengthOrDefault(l.StrengthModel),
				"strength_clip":  strengthOrDefault(l.StrengthClip),
				"model":          modelSrc,
				"clip":           clipSrc,
			},
		}
		modelSrc = conn(id, 0)
		clipSrc = conn(id, 1)
	}

	w[nodePositiveClip] = Node{
		ClassType: "CLIPTextEncode",
		Inputs:    map[string]any{"text": p.Prompt, "clip": clipSrc},
	}
	w[nodeNegativeClip] = Node{
		ClassType: "CLIPTextEncode",
		Inputs:    map[string]any{"text": p.NegativePrompt, "clip": clipSrc},
	}
	w[nodeKSampler] = Node{
		ClassType: "KSampler",
		Inputs: map[string]any{
			"seed":         seed,
			"steps":        steps,
			"cfg":          cfg,
			"sampler_name": sampler,
			"scheduler":    scheduler,
			"denoise":      1.0,
			"model":        modelSrc,
			"positive":     conn(nodePositiveClip, 0),
			"negative":     conn(nodeNegativeClip, 0),
			"latent_image": conn(nodeEmptyLatent, 0),
		},
	}
	w[nodeVAEDecode] = Node{
		ClassType: "VAEDecode",
		Inputs:    map[string]any{"samples": conn(nodeKSampler, 0), "vae": conn(nodeCheckpoint, 2)},
	}
	w[nodeSaveImage] = Node{
		ClassType: "SaveImage",
		Inputs:    map[string]any{"filename_prefix": filenamePrefix, "images": conn(nodeVAEDecode, 0)},
	}
	return w, seed, nil
}

func strengthOrDefault(v *float64) float64 {
	if v != nil {
		return *v
	}
	return defaultStrength
}
