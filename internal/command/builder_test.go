package command

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dunamismax/magickflow/internal/domain"
)

const shellMeta = "`$;|&<>'\"\\\n*?(){}"

func TestBuildDefaults(t *testing.T) {
	cases := []struct {
		op        domain.Operation
		args      []string
		purpose   string
		extension string
	}{
		{domain.OperationResize, []string{"-resize", "800x600"}, "resized", "jpg"},
		{domain.OperationConvert, []string{}, "converted", "png"},
		{domain.OperationFilter, []string{"-colorspace", "Gray"}, "filtered", "jpg"},
		{domain.OperationCrop, []string{"-crop", "300x300+0+0"}, "cropped", "jpg"},
		{domain.OperationText, []string{"-fill", "white", "-pointsize", "24", "-gravity", "center", "-annotate", "+0+0", "Watermark"}, "text", "jpg"},
		{domain.OperationRotate, []string{"-rotate", "90"}, "rotated", "jpg"},
	}

	for _, tc := range cases {
		t.Run(string(tc.op), func(t *testing.T) {
			spec, err := Build(tc.op, nil)
			require.NoError(t, err)
			require.Equal(t, tc.args, spec.Args)
			require.Equal(t, tc.purpose, spec.Purpose)
			require.Equal(t, tc.extension, spec.Extension)
			require.Equal(t, tc.op, spec.Operation)

			argv := spec.WithPaths("/in/a.png", "/out/b."+spec.Extension).Argv()
			require.Equal(t, "/in/a.png", argv[0])
			require.Equal(t, "/out/b."+spec.Extension, argv[len(argv)-1])
			for _, arg := range argv {
				require.NotEmpty(t, arg)
				require.False(t, strings.ContainsAny(arg, shellMeta), "argument %q carries shell metacharacters", arg)
			}
		})
	}
}

func TestBuildTextKeepsHostileTextAsSingleToken(t *testing.T) {
	hostile := `"; rm -rf / ; echo 'pwned' ` + "`id`" + ` $(reboot)`
	spec, err := Build(domain.OperationText, Params{"text": hostile, "color": "red", "size": "32", "x": "south", "y": "-15"})
	require.NoError(t, err)

	argv := spec.WithPaths("/in/a.png", "/out/b.jpg").Argv()
	require.Equal(t, []string{
		"/in/a.png",
		"-fill", "red",
		"-pointsize", "32",
		"-gravity", "south",
		"-annotate", "+0-15",
		hostile,
		"/out/b.jpg",
	}, argv)

	for _, arg := range argv {
		if arg == hostile {
			continue
		}
		require.False(t, strings.ContainsAny(arg, shellMeta), "argument %q carries shell metacharacters", arg)
	}
}

func TestBuildTextRejectsUnsafeValues(t *testing.T) {
	cases := map[string]Params{
		"file include":         {"text": "@/etc/passwd"},
		"space file include":   {"text": " @/etc/passwd"},
		"tab file include":     {"text": "\t@/etc/passwd"},
		"newline file include": {"text": "\n@/etc/passwd"},
		"color inject":         {"color": "white -write /tmp/x"},
		"bad gravity":          {"x": "middle"},
		"bad offset":           {"y": "top"},
		"huge size":            {"size": "5000"},
		"zero size":            {"size": "0"},
		"too long text":        {"text": strings.Repeat("a", maxTextBytes+1)},
	}

	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(domain.OperationText, params)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestBuildFilterFallsBackToGrayscale(t *testing.T) {
	spec, err := Build(domain.OperationFilter, Params{"filter": "vaporwave"})
	require.NoError(t, err)
	require.Equal(t, []string{"-colorspace", "Gray"}, spec.Args)
	require.Equal(t, FilterGrayscale, spec.Filter)
}

func TestBuildFilterKinds(t *testing.T) {
	cases := map[string][]string{
		"sepia":    {"-sepia-tone", "80%"},
		"BLUR":     {"-blur", "0x5"},
		"sharpen":  {"-sharpen", "0x3"},
		"edge":     {"-edge", "1"},
		"negate":   {"-negate"},
		"charcoal": {"-charcoal", "2"},
	}
	for kind, want := range cases {
		spec, err := Build(domain.OperationFilter, Params{"filter": kind})
		require.NoError(t, err, kind)
		require.Equal(t, want, spec.Args, kind)
	}

	spec, err := Build(domain.OperationFilter, Params{"filter": "blur", "amount": "2.5"})
	require.NoError(t, err)
	require.Equal(t, []string{"-blur", "0x2.5"}, spec.Args)

	_, err = Build(domain.OperationFilter, Params{"filter": "blur", "amount": "NaN"})
	require.ErrorIs(t, err, domain.ErrValidation)

	// amount is only read for blur.
	_, err = Build(domain.OperationFilter, Params{"filter": "sepia", "amount": "junk"})
	require.NoError(t, err)
}

func TestBuildResizeForcedGeometry(t *testing.T) {
	spec, err := Build(domain.OperationResize, Params{"width": "200", "height": "100", "maintain": "false"})
	require.NoError(t, err)
	require.Equal(t, []string{"-resize", "200x100!"}, spec.Args)

	spec, err = Build(domain.OperationResize, Params{"width": "200", "height": "100"})
	require.NoError(t, err)
	require.Equal(t, []string{"-resize", "200x100"}, spec.Args)
}

func TestBuildCropGeometry(t *testing.T) {
	spec, err := Build(domain.OperationCrop, Params{"width": "50", "height": "50", "x": "10", "y": "20"})
	require.NoError(t, err)
	require.Equal(t, []string{"-crop", "50x50+10+20"}, spec.Args)
}

func TestBuildRejectsOutOfRangeNumbers(t *testing.T) {
	cases := []struct {
		name   string
		op     domain.Operation
		params Params
		field  string
	}{
		{"rotate above bound", domain.OperationRotate, Params{"degrees": "450"}, "degrees"},
		{"rotate infinite", domain.OperationRotate, Params{"degrees": "+Inf"}, "degrees"},
		{"rotate word", domain.OperationRotate, Params{"degrees": "ninety"}, "degrees"},
		{"resize zero width", domain.OperationResize, Params{"width": "0"}, "width"},
		{"resize negative height", domain.OperationResize, Params{"height": "-5"}, "height"},
		{"resize injected", domain.OperationResize, Params{"width": "100;rm -rf /"}, "width"},
		{"resize maintain", domain.OperationResize, Params{"maintain": "sometimes"}, "maintain"},
		{"crop too wide", domain.OperationCrop, Params{"width": "10001"}, "width"},
		{"crop fractional offset", domain.OperationCrop, Params{"x": "1.5"}, "x"},
		{"convert path format", domain.OperationConvert, Params{"format": "../png"}, "format"},
		{"unknown operation", domain.Operation("sharpen"), nil, "operation"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.op, tc.params)
			require.ErrorIs(t, err, domain.ErrValidation)

			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestBuildRotateAcceptsBounds(t *testing.T) {
	for _, degrees := range []string{"-360", "360", "45.5", " 180 "} {
		spec, err := Build(domain.OperationRotate, Params{"degrees": degrees})
		require.NoError(t, err, degrees)
		require.Len(t, spec.Args, 2)
	}
}

func TestBuildConvertUsesFormatAsExtension(t *testing.T) {
	spec, err := Build(domain.OperationConvert, Params{"format": "WEBP"})
	require.NoError(t, err)
	require.Equal(t, "webp", spec.Extension)
	require.Empty(t, spec.Args)
}

func TestWithPathsDoesNotAliasArgs(t *testing.T) {
	spec, err := Build(domain.OperationRotate, nil)
	require.NoError(t, err)

	bound := spec.WithPaths("in", "out")
	bound.Args[1] = "180"
	require.Equal(t, "90", spec.Args[1])
}
