package calibration

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"slicetune/pkg/domain"
)

func request(typ Type) Request {
	return Request{Type: typ, Material: "pla", Limits: DefaultLimits()}
}

func TestGenerateIsDeterministic(t *testing.T) {
	for _, typ := range []Type{TypeTemperature, TypeFlow, TypePressureAdvance} {
		a, err := Generate(request(typ))
		if err != nil {
			t.Fatalf("%s: generate: %v", typ, err)
		}
		b, err := Generate(request(typ))
		if err != nil {
			t.Fatalf("%s: generate: %v", typ, err)
		}
		if !bytes.Equal(a.Content, b.Content) || a.Digest != b.Digest {
			t.Fatalf("%s: output differs between identical requests", typ)
		}
		if len(a.Digest) != 64 {
			t.Fatalf("%s: unexpected digest %q", typ, a.Digest)
		}
		if !bytes.HasSuffix(a.Content, []byte("M84 ; motors off\n")) {
			t.Fatalf("%s: missing end gcode", typ)
		}
	}
}

func TestTemperatureTowerDefaults(t *testing.T) {
	out, err := Generate(request(TypeTemperature))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Filename != "calibration_temperature_pla.gcode" {
		t.Fatalf("unexpected filename %q", out.Filename)
	}
	if len(out.Sections) != 7 {
		t.Fatalf("expected 7 sections, got %d", len(out.Sections))
	}
	if out.Sections[0].Value != 190 || out.Sections[6].Value != 220 {
		t.Fatalf("unexpected sweep %v..%v", out.Sections[0].Value, out.Sections[6].Value)
	}
	if out.Sections[1].Command != "M104 S195" {
		t.Fatalf("unexpected command %q", out.Sections[1].Command)
	}
	if out.Sections[1].ZStart != 10 || out.Sections[1].ZEnd != 20 {
		t.Fatalf("unexpected section bounds %+v", out.Sections[1])
	}
	if !strings.Contains(string(out.Content), "M109 S190 ; wait for nozzle") {
		t.Fatalf("expected first section temperature as start temperature")
	}
	if v, _ := out.Meta("clamped"); v != "false" {
		t.Fatalf("expected unclamped sweep, got %s", v)
	}
	if out.Metadata[0].Key != "calibration_type" || out.Metadata[1].Value != "PLA" {
		t.Fatalf("unexpected metadata order %+v", out.Metadata[:2])
	}
}

func TestTemperatureTowerDescending(t *testing.T) {
	req := request(TypeTemperature)
	req.Sweep = Sweep{Start: 230, End: 210, Step: 10}
	out, err := Generate(req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out.Sections) != 3 || out.Sections[0].Value != 230 || out.Sections[2].Value != 210 {
		t.Fatalf("unexpected descending sweep %+v", out.Sections)
	}
}

func TestTemperatureTowerClampsToDevice(t *testing.T) {
	req := request(TypeTemperature)
	req.Limits.MaxNozzleTemp = 250
	req.Sweep = Sweep{Start: 240, End: 280, Step: 5}
	out, err := Generate(req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	last := out.Sections[len(out.Sections)-1]
	if last.Value != 250 {
		t.Fatalf("expected sweep clamped to 250, got %v", last.Value)
	}
	if v, _ := out.Meta("clamped"); v != "true" {
		t.Fatalf("expected clamped metadata")
	}
	for _, s := range out.Sections {
		if s.Value > req.Limits.MaxNozzleTemp {
			t.Fatalf("section %d exceeds device max: %v", s.Index, s.Value)
		}
	}
}

func TestSweepOutsideEnvelope(t *testing.T) {
	req := request(TypeTemperature)
	req.Limits.MaxNozzleTemp = 250
	req.Sweep = Sweep{Start: 260, End: 290}
	_, err := Generate(req)
	var env *domain.OutOfEnvelopeError
	if !errors.As(err, &env) {
		t.Fatalf("expected out of envelope error, got %v", err)
	}
	if env.AllowedMax != 250 || env.RequestedMin != 260 {
		t.Fatalf("unexpected envelope %+v", env)
	}

	pa := request(TypePressureAdvance)
	pa.Limits.MaxPressureAdvance = 0.05
	pa.Sweep = Sweep{Start: 0.2, End: 0.4}
	if _, err := Generate(pa); !errors.Is(err, domain.ErrOutOfEnvelope) {
		t.Fatalf("expected pa sweep to be rejected, got %v", err)
	}

	flow := request(TypeFlow)
	flow.Sweep.FlowMultiplier = 1.5
	if _, err := Generate(flow); !errors.Is(err, domain.ErrOutOfEnvelope) {
		t.Fatalf("expected flow multiplier to be rejected, got %v", err)
	}
}

func TestTowerTruncatedToBuildHeight(t *testing.T) {
	req := request(TypeTemperature)
	req.Limits.ZMax = 35
	out, err := Generate(req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out.Sections) != 3 {
		t.Fatalf("expected 3 sections under 35mm, got %d", len(out.Sections))
	}
	if v, ok := out.Meta("truncated_from"); !ok || v != "7" {
		t.Fatalf("expected truncation metadata, got %q", v)
	}

	req.Limits.ZMax = 5
	if _, err := Generate(req); !errors.Is(err, domain.ErrOutOfEnvelope) {
		t.Fatalf("expected no section to fit, got %v", err)
	}
}

func TestPressureAdvanceTower(t *testing.T) {
	out, err := Generate(request(TypePressureAdvance))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out.Sections) != 10 {
		t.Fatalf("expected 10 sections, got %d", len(out.Sections))
	}
	if out.Sections[0].Command != "SET_PRESSURE_ADVANCE ADVANCE=0.0000" {
		t.Fatalf("unexpected first command %q", out.Sections[0].Command)
	}
	if out.Sections[9].Command != "SET_PRESSURE_ADVANCE ADVANCE=0.1000" {
		t.Fatalf("expected end value to be included, got %q", out.Sections[9].Command)
	}
	if out.Sections[9].ZEnd != 50 {
		t.Fatalf("unexpected tower height %v", out.Sections[9].ZEnd)
	}
}

func TestFlowCube(t *testing.T) {
	req := request(TypeFlow)
	req.Sweep.FlowMultiplier = 0.95
	out, err := Generate(req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out.Sections) != 1 || out.Sections[0].Command != "M221 S95" {
		t.Fatalf("unexpected flow section %+v", out.Sections)
	}
	if out.Sections[0].ZEnd != 20 {
		t.Fatalf("expected 20mm cube, got %v", out.Sections[0].ZEnd)
	}
	if !strings.Contains(string(out.Content), "M221 S95 ; set flow") {
		t.Fatalf("flow command missing from content")
	}

	req.Sweep.CubeSize = 300
	if _, err := Generate(req); !errors.Is(err, domain.ErrOutOfEnvelope) {
		t.Fatalf("expected oversized cube to be rejected, got %v", err)
	}
}

func TestPatternCenteredOnBed(t *testing.T) {
	req := request(TypeFlow)
	req.Limits.XMin, req.Limits.XMax = 100, 300
	req.Limits.YMin, req.Limits.YMax = 0, 200
	out, err := Generate(req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// 20mm cube centered at (200, 100)
	if !strings.Contains(string(out.Content), "G0 X190.000 Y90.000") {
		t.Fatalf("expected cube centered on the bed")
	}
}

func TestGenerateValidation(t *testing.T) {
	req := request(TypeFlow)
	req.Material = " "
	if _, err := Generate(req); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected material to be required, got %v", err)
	}
	req = request("bogus")
	if _, err := Generate(req); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected unsupported type, got %v", err)
	}
	req = request(TypeTemperature)
	req.Limits.XMax = 20
	if _, err := Generate(req); !errors.Is(err, domain.ErrOutOfEnvelope) {
		t.Fatalf("expected small bed to be rejected, got %v", err)
	}
	if _, err := ParseType("PA"); err != nil {
		t.Fatalf("expected alias to parse: %v", err)
	}
	if _, err := ParseType("nope"); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected parse failure, got %v", err)
	}
}

func TestGenerateRejectsDegenerateInput(t *testing.T) {
	big := DefaultLimits()
	big.XMax, big.YMax, big.ZMax = 1000, 1000, 1000

	cases := map[string]Request{
		"tiny step": {Type: TypeTemperature, Material: "pla", Limits: DefaultLimits(),
			Sweep: Sweep{Start: 190, End: 220, Step: 1e-300}},
		"nan start": {Type: TypeTemperature, Material: "pla", Limits: DefaultLimits(),
			Sweep: Sweep{Start: math.NaN()}},
		"infinite step": {Type: TypeTemperature, Material: "pla", Limits: DefaultLimits(),
			Sweep: Sweep{Step: math.Inf(1)}},
		"nan cube": {Type: TypeFlow, Material: "pla", Limits: DefaultLimits(),
			Sweep: Sweep{CubeSize: math.NaN()}},
		"nan limits": {Type: TypeFlow, Material: "pla", Limits: Limits{XMax: math.NaN()}},
		"huge build volume": {Type: TypeTemperature, Material: "pla",
			Limits: Limits{XMax: 220, YMax: 220, ZMax: 200000, MaxNozzleTemp: 300, MaxBedTemp: 120,
				MaxVelocity: 300, NozzleDiameter: 0.4, FilamentDiameter: 1.75}},
		"too many tower layers": {Type: TypeTemperature, Material: "pla", Limits: big,
			Sweep: Sweep{Start: 180, End: 300, Step: 2, SectionHeight: 10, LayerHeight: 0.05}},
		"too many cube layers": {Type: TypeFlow, Material: "pla", Limits: big,
			Sweep: Sweep{CubeSize: 500, LayerHeight: 0.05}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := Generate(req)
			if !errors.Is(err, domain.ErrInvalid) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(out.Content) != 0 {
				t.Fatalf("rejected request produced %d bytes", len(out.Content))
			}
		})
	}
}

func TestLayerBudgetAdmitsFullTemperatureRange(t *testing.T) {
	req := request(TypeTemperature)
	req.Limits.ZMax = 1000
	req.Sweep = Sweep{Start: 180, End: 300, Step: 5, SectionHeight: 10}
	out, err := Generate(req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out.Sections) != 25 || out.Sections[24].ZEnd != 250 {
		t.Fatalf("unexpected tower %d sections, top %v", len(out.Sections), out.Sections[len(out.Sections)-1].ZEnd)
	}
}
