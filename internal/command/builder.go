// Package command maps a transform operation and its parameters to the
// argument vector of an ImageMagick convert invocation. It performs no I/O.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/dunamismax/magickflow/internal/domain"
)

const (
	FilterGrayscale = "grayscale"
	FilterSepia     = "sepia"
	FilterBlur      = "blur"
	FilterSharpen   = "sharpen"
	FilterEdge      = "edge"
	FilterNegate    = "negate"
	FilterCharcoal  = "charcoal"

	defaultExtension = "jpg"
)

// Spec is a fully resolved tool invocation. Args is the operation fragment that
// sits between the input and output paths.
type Spec struct {
	Operation  domain.Operation
	Args       []string
	Purpose    string
	Extension  string
	Filter     string
	InputPath  string
	OutputPath string
}

// Argv returns the discrete argument list handed to the tool: input, fragment, output.
func (s Spec) Argv() []string {
	argv := make([]string, 0, len(s.Args)+2)
	argv = append(argv, s.InputPath)
	argv = append(argv, s.Args...)
	argv = append(argv, s.OutputPath)
	return argv
}

// WithPaths returns a copy of the spec bound to concrete artifact paths.
func (s Spec) WithPaths(input, output string) Spec {
	s.Args = append([]string(nil), s.Args...)
	s.InputPath = input
	s.OutputPath = output
	return s
}

func Build(op domain.Operation, params Params) (Spec, error) {
	if params == nil {
		params = Params{}
	}

	var (
		spec Spec
		err  error
	)
	switch op {
	case domain.OperationResize:
		spec, err = buildResize(params)
	case domain.OperationConvert:
		spec, err = buildConvert(params)
	case domain.OperationFilter:
		spec, err = buildFilter(params)
	case domain.OperationCrop:
		spec, err = buildCrop(params)
	case domain.OperationText:
		spec, err = buildText(params)
	case domain.OperationRotate:
		spec, err = buildRotate(params)
	default:
		return Spec{}, invalid("operation", "unsupported operation "+strconv.Quote(string(op)))
	}
	if err != nil {
		return Spec{}, err
	}

	spec.Operation = op
	if spec.Extension == "" {
		spec.Extension = defaultExtension
	}
	return spec, nil
}

func buildResize(p Params) (Spec, error) {
	width, err := p.Int("width", 800, 1, maxDimension)
	if err != nil {
		return Spec{}, err
	}
	height, err := p.Int("height", 600, 1, maxDimension)
	if err != nil {
		return Spec{}, err
	}
	maintain, err := p.Bool("maintain", true)
	if err != nil {
		return Spec{}, err
	}

	geometry := fmt.Sprintf("%dx%d", width, height)
	if !maintain {
		geometry += "!"
	}
	return Spec{Args: []string{"-resize", geometry}, Purpose: "resized"}, nil
}

func buildConvert(p Params) (Spec, error) {
	format, err := p.Format("format", "png")
	if err != nil {
		return Spec{}, err
	}
	return Spec{Args: []string{}, Purpose: "converted", Extension: format}, nil
}

func buildFilter(p Params) (Spec, error) {
	kind := ResolveFilter(p.String("filter", FilterGrayscale))

	var args []string
	switch kind {
	case FilterSepia:
		args = []string{"-sepia-tone", "80%"}
	case FilterBlur:
		amount, err := p.Float("amount", 5, 0, 100, true)
		if err != nil {
			return Spec{}, err
		}
		args = []string{"-blur", "0x" + formatFloat(amount)}
	case FilterSharpen:
		args = []string{"-sharpen", "0x3"}
	case FilterEdge:
		args = []string{"-edge", "1"}
	case FilterNegate:
		args = []string{"-negate"}
	case FilterCharcoal:
		args = []string{"-charcoal", "2"}
	default:
		args = []string{"-colorspace", "Gray"}
	}
	return Spec{Args: args, Purpose: "filtered", Filter: kind}, nil
}

// ResolveFilter normalizes a filter name; anything unrecognized becomes grayscale.
func ResolveFilter(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case FilterGrayscale, FilterSepia, FilterBlur, FilterSharpen, FilterEdge, FilterNegate, FilterCharcoal:
		return name
	default:
		return FilterGrayscale
	}
}

func buildCrop(p Params) (Spec, error) {
	width, err := p.Int("width", 300, 1, maxDimension)
	if err != nil {
		return Spec{}, err
	}
	height, err := p.Int("height", 300, 1, maxDimension)
	if err != nil {
		return Spec{}, err
	}
	x, err := p.Int("x", 0, -maxDimension, maxDimension)
	if err != nil {
		return Spec{}, err
	}
	y, err := p.Int("y", 0, -maxDimension, maxDimension)
	if err != nil {
		return Spec{}, err
	}

	geometry := fmt.Sprintf("%dx%d%+d%+d", width, height, x, y)
	return Spec{Args: []string{"-crop", geometry}, Purpose: "cropped"}, nil
}

func buildText(p Params) (Spec, error) {
	text := p.Text("text", "Watermark")
	if len(text) > maxTextBytes {
		return Spec{}, invalid("text", "must be at most "+strconv.Itoa(maxTextBytes)+" bytes")
	}
	// convert skips leading whitespace, then reads the annotation from a file on '@'.
	if strings.HasPrefix(strings.TrimLeftFunc(text, unicode.IsSpace), "@") {
		return Spec{}, invalid("text", "must not start with '@'")
	}
	if strings.ContainsRune(text, 0) {
		return Spec{}, invalid("text", "must not contain NUL bytes")
	}

	color, err := p.Color("color", "white")
	if err != nil {
		return Spec{}, err
	}
	size, err := p.Float("size", 24, 0, 1000, true)
	if err != nil {
		return Spec{}, err
	}
	gravity, err := p.Gravity("x", "center")
	if err != nil {
		return Spec{}, err
	}

	offset := 0
	if y := strings.ToLower(p.String("y", "center")); y != "center" {
		offset, err = p.Int("y", 0, -maxDimension, maxDimension)
		if err != nil {
			return Spec{}, err
		}
	}

	return Spec{
		Args: []string{
			"-fill", color,
			"-pointsize", formatFloat(size),
			"-gravity", gravity,
			"-annotate", fmt.Sprintf("+0%+d", offset),
			text,
		},
		Purpose: "text",
	}, nil
}

func buildRotate(p Params) (Spec, error) {
	degrees, err := p.Float("degrees", 90, -360, 360, false)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Args: []string{"-rotate", formatFloat(degrees)}, Purpose: "rotated"}, nil
}
