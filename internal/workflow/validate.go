package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/influencerai/worker/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New(validator.WithRequiredStructEnabled())
		vld.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return vld
}

// ValidateParams checks image-generation params against the builder's
// contract. All violations are reported together, each prefixed with the
// failing field path ("loras[0].path").
func ValidateParams(p Params) error {
	var msgs []string
	if err := getValidator().Struct(p); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return fmt.Errorf("op=workflow.ValidateParams: %w", err)
		}
		for _, fe := range ve {
			path := strings.TrimPrefix(fe.Namespace(), "Params.")
			msgs = append(msgs, path+" "+ruleMessage(fe))
		}
	}
	if p.Width != nil && *p.Width%8 != 0 {
		msgs = append(msgs, "width must be a multiple of 8")
	}
	if p.Height != nil && *p.Height%8 != 0 {
		msgs = append(msgs, "height must be a multiple of 8")
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, strings.Join(msgs, "; "))
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}

// Per-class structural contract of the graph.
var (
	requiredInputs = map[string][]string{
		"CheckpointLoaderSimple": {"ckpt_name"},
		"LoraLoader":             {"lora_name", "strength_model", "strength_clip", "model", "clip"},
		"CLIPTextEncode":         {"text", "clip"},
		"EmptyLatentImage":       {"width", "height", "batch_size"},
		"KSampler":               {"seed", "steps", "cfg", "sampler_name", "scheduler", "denoise", "model", "positive", "negative", "latent_image"},
		"VAEDecode":              {"samples", "vae"},
		"SaveImage":              {"filename_prefix", "images"},
	}

	outputSlots = map[string][]string{
		"CheckpointLoaderSimple": {"MODEL", "CLIP", "VAE"},
		"LoraLoader":             {"MODEL", "CLIP"},
		"CLIPTextEncode":         {"CONDITIONING"},
		"EmptyLatentImage":       {"LATENT"},
		"KSampler":               {"LATENT"},
		"VAEDecode":              {"IMAGE"},
		"SaveImage":              {},
	}

	inputTypes = map[string]map[string]string{
		"LoraLoader":     {"model": "MODEL", "clip": "CLIP"},
		"CLIPTextEncode": {"clip": "CLIP"},
		"KSampler":       {"model": "MODEL", "positive": "CONDITIONING", "negative": "CONDITIONING", "latent_image": "LATENT"},
		"VAEDecode":      {"samples": "LATENT", "vae": "VAE"},
		"SaveImage":      {"images": "IMAGE"},
	}
)

// ValidateWorkflow verifies graph structure: known node classes, required
// inputs, connection targets and slot bounds, slot type compatibility for
// known pairs, acyclicity, and a SaveImage sink whenever sampling or
// decoding nodes are present. All violations are accumulated.
func ValidateWorkflow(w Workflow) error {
	if len(w) == 0 {
		return errors.New("workflow is empty")
	}

	ids := make([]string, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	var hasSampler, hasDecode, hasSave bool
	for _, id := range ids {
		node := w[id]
		switch node.ClassType {
		case "KSampler":
			hasSampler = true
		case "VAEDecode":
			hasDecode = true
		case "SaveImage":
			hasSave = true
		}

		req, known := requiredInputs[node.ClassType]
		if !known {
			errs = append(errs, fmt.Errorf("node %s: unknown class_type %q", id, node.ClassType))
			continue
		}
		for _, name := range req {
			if _, ok := node.Inputs[name]; !ok {
				errs = append(errs, fmt.Errorf("node %s (%s): missing required input %q", id, node.ClassType, name))
			}
		}

		inputNames := make([]string, 0, len(node.Inputs))
		for name := range node.Inputs {
			inputNames = append(inputNames, name)
		}
		sort.Strings(inputNames)
		for _, name := range inputNames {
			src, slot, ok := asConnection(node.Inputs[name])
			if !ok {
				continue
			}
			srcNode, exists := w[src]
			if !exists {
				errs = append(errs, fmt.Errorf("node %s (%s): input %q references missing node %s", id, node.ClassType, name, src))
				continue
			}
			slots, srcKnown := outputSlots[srcNode.ClassType]
			if !srcKnown {
				continue
			}
			if slot < 0 || slot >= len(slots) {
				errs = append(errs, fmt.Errorf("node %s (%s): input %q references %s slot %d, but %s has %d outputs", id, node.ClassType, name, src, slot, srcNode.ClassType, len(slots)))
				continue
			}
			if want := inputTypes[node.ClassType][name]; want != "" && slots[slot] != want {
				errs = append(errs, fmt.Errorf("node %s (%s): input %q expects %s but %s slot %d produces %s", id, node.ClassType, name, want, src, slot, slots[slot]))
			}
		}
	}

	if cycleID := findCycle(w, ids); cycleID != "" {
		errs = append(errs, fmt.Errorf("cycle detected involving node %s", cycleID))
	}
	if (hasSampler || hasDecode) && !hasSave {
		errs = append(errs, errors.New("workflow has KSampler/VAEDecode but no SaveImage node"))
	}
	return errors.Join(errs...)
}

// asConnection reports whether v is a node reference ["id", slot].
func asConnection(v any) (string, int, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return "", 0, false
	}
	id, ok := arr[0].(string)
	if !ok {
		return "", 0, false
	}
	switch n := arr[1].(type) {
	case int:
		return id, n, true
	case float64:
		return id, int(n), true
	default:
		return "", 0, false
	}
}

// findCycle DFS-colors the connection graph and returns a node on the first
// cycle found, or "".
func findCycle(w Workflow, ids []string) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		node := w[id]
		names := make([]string, 0, len(node.Inputs))
		for name := range node.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			src, _, ok := asConnection(node.Inputs[name])
			if !ok {
				continue
			}
			if _, exists := w[src]; !exists {
				continue
			}
			switch color[src] {
			case gray:
				return src
			case white:
				if hit := visit(src); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range ids {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
