package calibration

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"slicetune/internal/codec"
	"slicetune/pkg/domain"
)

const (
	defaultLayerHeight     = 0.2
	defaultTempStep        = 5.0
	defaultTempSection     = 10.0
	defaultTempBelow       = 10.0
	defaultTempAbove       = 20.0
	defaultTowerSpeed      = 50.0
	defaultPAStart         = 0.0
	defaultPAEnd           = 0.1
	defaultPASteps         = 10
	defaultPASection       = 5.0
	defaultPASpeed         = 100.0
	defaultFlowMultiplier  = 1.0
	defaultCubeSize        = 20.0
	defaultCubeSpeed       = 50.0
	maxSections            = 100
	maxLayers              = 5000
	maxBuildSize           = 2000.0
	patternSize            = 30.0
	primeMargin            = 10.0
	lineWidthFactor        = 1.125
	epsilon                = 1e-9
	temperaturePrecision   = 1
	pressureAdvancePrecise = 4
)

// Generate produces the calibration print described by req.
func Generate(req Request) (GeneratedInstructions, error) {
	if err := req.Limits.Validate(); err != nil {
		return GeneratedInstructions{}, err
	}
	if err := req.Sweep.Validate(); err != nil {
		return GeneratedInstructions{}, err
	}
	material := strings.ToUpper(strings.TrimSpace(req.Material))
	if material == "" {
		return GeneratedInstructions{}, &domain.ValidationError{Field: "material", Message: "required"}
	}
	p, err := newPlan(req.Type, material, req.Limits, req.Sweep)
	if err != nil {
		return GeneratedInstructions{}, err
	}
	switch req.Type {
	case TypeTemperature:
		return p.temperatureTower(req.Sweep)
	case TypePressureAdvance:
		return p.pressureAdvanceTower(req.Sweep)
	case TypeFlow:
		return p.flowCube(req.Sweep)
	default:
		return GeneratedInstructions{}, &domain.ValidationError{Field: "calibration_type", Message: fmt.Sprintf("unsupported %q", req.Type)}
	}
}

type plan struct {
	typ         Type
	material    string
	limits      Limits
	base        domain.ParameterSet
	layerHeight float64
	nozzleTemp  float64
	bedTemp     float64
	clamped     bool
	meta        []MetadataEntry
	out         strings.Builder
}

func newPlan(typ Type, material string, limits Limits, sweep Sweep) (*plan, error) {
	p := &plan{typ: typ, material: material, limits: limits, base: domain.DefaultParameters(material)}
	p.layerHeight = orDefault(sweep.LayerHeight, defaultLayerHeight)
	if spec, _ := domain.LookupParameter(domain.ParamLayerHeight); !spec.Contains(p.layerHeight) || p.layerHeight > limits.NozzleDiameter {
		return nil, &domain.ValidationError{Field: "layer_height", Message: fmt.Sprintf("%g not printable with a %g mm nozzle", p.layerHeight, limits.NozzleDiameter)}
	}
	if limits.XMax-limits.XMin < patternSize || limits.YMax-limits.YMin < patternSize {
		return nil, &domain.OutOfEnvelopeError{
			Calibration: string(typ), Field: "footprint",
			RequestedMin: 0, RequestedMax: patternSize,
			AllowedMin: 0, AllowedMax: math.Min(limits.XMax-limits.XMin, limits.YMax-limits.YMin),
		}
	}
	baseNozzle, _ := p.base.Get(domain.ParamNozzleTemperature)
	baseBed, _ := p.base.Get(domain.ParamBedTemperature)
	lo, hi := p.nozzleRange()
	p.nozzleTemp = p.clamp(orDefault(sweep.NozzleTemp, baseNozzle), lo, hi)
	p.bedTemp = p.clamp(orDefault(sweep.BedTemp, baseBed), 0, p.maxBed())
	return p, nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func (p *plan) clamp(v, lo, hi float64) float64 {
	if v < lo {
		p.clamped = true
		return lo
	}
	if v > hi {
		p.clamped = true
		return hi
	}
	return v
}

func (p *plan) nozzleRange() (float64, float64) {
	spec, _ := domain.LookupParameter(domain.ParamNozzleTemperature)
	return math.Max(p.limits.MinNozzleTemp, spec.Min), math.Min(p.limits.MaxNozzleTemp, spec.Max)
}

func (p *plan) maxBed() float64 {
	spec, _ := domain.LookupParameter(domain.ParamBedTemperature)
	return math.Min(p.limits.MaxBedTemp, spec.Max)
}

func (p *plan) speed(requested, def float64) float64 {
	spec, _ := domain.LookupParameter(domain.ParamPrintSpeed)
	return p.clamp(orDefault(requested, def), spec.Min, math.Min(p.limits.MaxVelocity, spec.Max))
}

// clampSweep clamps a requested range to the allowed range and fails when no
// part of the request overlaps it.
func (p *plan) clampSweep(field string, start, end, allowedLo, allowedHi float64) (float64, float64, error) {
	lo, hi := math.Min(start, end), math.Max(start, end)
	if allowedLo > allowedHi || hi < allowedLo || lo > allowedHi {
		return 0, 0, &domain.OutOfEnvelopeError{
			Calibration: string(p.typ), Field: field,
			RequestedMin: lo, RequestedMax: hi,
			AllowedMin: allowedLo, AllowedMax: allowedHi,
		}
	}
	cs := p.clamp(start, allowedLo, allowedHi)
	ce := p.clamp(end, allowedLo, allowedHi)
	return cs, ce, nil
}

// fitSections truncates a tower to the sections that fit under ZMax.
func (p *plan) fitSections(values []float64, sectionHeight float64) ([]float64, error) {
	fit := int(math.Floor(p.limits.ZMax/sectionHeight + epsilon))
	if fit < 1 {
		return nil, &domain.OutOfEnvelopeError{
			Calibration: string(p.typ), Field: "height",
			RequestedMin: 0, RequestedMax: sectionHeight,
			AllowedMin: 0, AllowedMax: p.limits.ZMax,
		}
	}
	if len(values) > fit {
		p.addMeta("truncated_from", strconv.Itoa(len(values)))
		return values[:fit], nil
	}
	return values, nil
}

func (p *plan) temperatureTower(sweep Sweep) (GeneratedInstructions, error) {
	baseNozzle, _ := p.base.Get(domain.ParamNozzleTemperature)
	start := orDefault(sweep.Start, baseNozzle-defaultTempBelow)
	end := orDefault(sweep.End, baseNozzle+defaultTempAbove)
	step := math.Abs(orDefault(sweep.Step, defaultTempStep))
	sectionHeight := orDefault(sweep.SectionHeight, defaultTempSection)
	if err := p.checkSection(sectionHeight); err != nil {
		return GeneratedInstructions{}, err
	}
	lo, hi := p.nozzleRange()
	cs, ce, err := p.clampSweep("nozzle_temperature", start, end, lo, hi)
	if err != nil {
		return GeneratedInstructions{}, err
	}
	values, err := steppedValues(cs, ce, step, temperaturePrecision)
	if err != nil {
		return GeneratedInstructions{}, err
	}
	values, err = p.fitSections(values, sectionHeight)
	if err != nil {
		return GeneratedInstructions{}, err
	}
	speed := p.speed(sweep.PrintSpeed, defaultTowerSpeed)
	p.nozzleTemp = values[0]

	p.prependMeta(
		MetadataEntry{"start", fmtNum(cs)},
		MetadataEntry{"end", fmtNum(ce)},
		MetadataEntry{"step", fmtNum(step)},
	)
	return p.tower("temperature tower", values, sectionHeight, speed, func(v float64) string {
		return "M104 S" + fmtNum(v)
	})
}

func (p *plan) pressureAdvanceTower(sweep Sweep) (GeneratedInstructions, error) {
	start := sweep.Start
	end := orDefault(sweep.End, defaultPAEnd)
	if sweep.Start == 0 && sweep.End == 0 {
		start = defaultPAStart
	}
	steps := sweep.Steps
	if steps == 0 {
		steps = defaultPASteps
	}
	if steps < 1 || steps > maxSections {
		return GeneratedInstructions{}, &domain.ValidationError{Field: "steps", Message: fmt.Sprintf("must be between 1 and %d", maxSections)}
	}
	sectionHeight := orDefault(sweep.SectionHeight, defaultPASection)
	if err := p.checkSection(sectionHeight); err != nil {
		return GeneratedInstructions{}, err
	}
	spec, _ := domain.LookupParameter(domain.ParamPressureAdvance)
	maxPA := spec.Max
	if p.limits.MaxPressureAdvance > 0 {
		maxPA = math.Min(maxPA, p.limits.MaxPressureAdvance)
	}
	cs, ce, err := p.clampSweep("pressure_advance", start, end, spec.Min, maxPA)
	if err != nil {
		return GeneratedInstructions{}, err
	}
	values := make([]float64, steps)
	for i := range values {
		v := cs
		if steps > 1 {
			v = cs + float64(i)*(ce-cs)/float64(steps-1)
		}
		values[i] = roundTo(v, pressureAdvancePrecise)
	}
	values, err = p.fitSections(values, sectionHeight)
	if err != nil {
		return GeneratedInstructions{}, err
	}
	speed := p.speed(sweep.PrintSpeed, defaultPASpeed)

	p.prependMeta(
		MetadataEntry{"start", fmtFixed(cs, pressureAdvancePrecise)},
		MetadataEntry{"end", fmtFixed(ce, pressureAdvancePrecise)},
		MetadataEntry{"steps", strconv.Itoa(steps)},
	)
	return p.tower("pressure advance tower", values, sectionHeight, speed, func(v float64) string {
		return "SET_PRESSURE_ADVANCE ADVANCE=" + fmtFixed(v, pressureAdvancePrecise)
	})
}

func (p *plan) flowCube(sweep Sweep) (GeneratedInstructions, error) {
	flow := orDefault(sweep.FlowMultiplier, defaultFlowMultiplier)
	spec, _ := domain.LookupParameter(domain.ParamFlowMultiplier)
	if _, _, err := p.clampSweep("flow_multiplier", flow, flow, spec.Min, spec.Max); err != nil {
		return GeneratedInstructions{}, err
	}
	size := orDefault(sweep.CubeSize, defaultCubeSize)
	if size < 0 {
		return GeneratedInstructions{}, &domain.ValidationError{Field: "cube_size", Message: "must be positive"}
	}
	span := math.Min(math.Min(p.limits.XMax-p.limits.XMin, p.limits.YMax-p.limits.YMin), p.limits.ZMax)
	if size > span {
		return GeneratedInstructions{}, &domain.OutOfEnvelopeError{
			Calibration: string(p.typ), Field: "cube_size",
			RequestedMin: size, RequestedMax: size,
			AllowedMin: 0, AllowedMax: span,
		}
	}
	speed := p.speed(sweep.PrintSpeed, defaultCubeSpeed)
	layers := int(math.Round(size / p.layerHeight))
	if err := checkLayers(layers); err != nil {
		return GeneratedInstructions{}, err
	}
	command := "M221 S" + strconv.Itoa(int(math.Round(flow*100)))

	p.prependMeta(
		MetadataEntry{"flow_multiplier", fmtNum(flow)},
		MetadataEntry{"cube_size", fmtNum(size)},
	)
	p.addCommonMeta(1, 0, speed)
	p.header("flow cube")
	p.startGcode()
	p.line("%s ; set flow", command)
	p.line("")
	cx, cy := p.center()
	half := size / 2
	for layer := 1; layer <= layers; layer++ {
		p.line("; layer %d", layer)
		p.square(float64(layer)*p.layerHeight, cx-half, cy-half, size, speed)
	}
	p.endGcode()
	return p.finish([]Section{{Index: 0, Value: flow, ZStart: 0, ZEnd: roundTo(float64(layers)*p.layerHeight, 3), Command: command}})
}

func (p *plan) checkSection(h float64) error {
	if h < p.layerHeight {
		return &domain.ValidationError{Field: "section_height", Message: "must be at least one layer"}
	}
	return nil
}

// checkLayers bounds the size of the generated program.
func checkLayers(n int) error {
	if n > maxLayers {
		return &domain.ValidationError{Field: "layers", Message: fmt.Sprintf("print would need %d layers, limit is %d", n, maxLayers)}
	}
	return nil
}

func (p *plan) tower(title string, values []float64, sectionHeight, speed float64, command func(float64) string) (GeneratedInstructions, error) {
	layersPerSection := int(math.Round(sectionHeight / p.layerHeight))
	if err := checkLayers(layersPerSection * len(values)); err != nil {
		return GeneratedInstructions{}, err
	}
	p.addCommonMeta(len(values), sectionHeight, speed)
	p.header(title)
	p.startGcode()
	cx, cy := p.center()
	sections := make([]Section, 0, len(values))
	layer := 0
	for i, v := range values {
		cmd := command(v)
		zStart := roundTo(float64(layer)*p.layerHeight, 3)
		p.line("; section %d: %s", i+1, fmtNum(v))
		p.line("%s", cmd)
		for k := 0; k < layersPerSection; k++ {
			layer++
			p.square(float64(layer)*p.layerHeight, cx-patternSize/2, cy-patternSize/2, patternSize, speed)
		}
		sections = append(sections, Section{
			Index:   i,
			Value:   v,
			ZStart:  zStart,
			ZEnd:    roundTo(float64(layer)*p.layerHeight, 3),
			Command: cmd,
		})
	}
	p.endGcode()
	return p.finish(sections)
}

func (p *plan) finish(sections []Section) (GeneratedInstructions, error) {
	content := []byte(p.out.String())
	return GeneratedInstructions{
		Type:     p.typ,
		Material: p.material,
		Filename: fmt.Sprintf("calibration_%s_%s.gcode", p.typ, strings.ToLower(p.material)),
		Content:  content,
		Sections: sections,
		Metadata: append([]MetadataEntry(nil), p.meta...),
		Digest:   codec.Sum(content),
	}, nil
}

func (p *plan) prependMeta(entries ...MetadataEntry) {
	head := []MetadataEntry{
		{"calibration_type", string(p.typ)},
		{"material", p.material},
	}
	p.meta = append(append(head, entries...), p.meta...)
}

func (p *plan) addMeta(key, value string) {
	p.meta = append(p.meta, MetadataEntry{Key: key, Value: value})
}

func (p *plan) addCommonMeta(sections int, sectionHeight, speed float64) {
	p.addMeta("sections", strconv.Itoa(sections))
	if sectionHeight > 0 {
		p.addMeta("section_height", fmtNum(sectionHeight))
	}
	p.addMeta("layer_height", fmtNum(p.layerHeight))
	p.addMeta("nozzle_temp", fmtNum(p.nozzleTemp))
	p.addMeta("bed_temp", fmtNum(p.bedTemp))
	p.addMeta("print_speed", fmtNum(speed))
	p.addMeta("clamped", strconv.FormatBool(p.clamped))
}

func (p *plan) line(format string, args ...any) {
	fmt.Fprintf(&p.out, format, args...)
	p.out.WriteByte('\n')
}

func (p *plan) header(title string) {
	p.line("; slicetune calibration: %s", title)
	for _, m := range p.meta {
		p.line("; %s: %s", m.Key, m.Value)
	}
	p.line("")
}

func (p *plan) center() (float64, float64) {
	return p.limits.XMin + (p.limits.XMax-p.limits.XMin)/2, p.limits.YMin + (p.limits.YMax-p.limits.YMin)/2
}

// extrusion returns the filament length for a line of the given length.
func (p *plan) extrusion(length, height float64) float64 {
	r := p.limits.FilamentDiameter / 2
	return length * height * p.limits.NozzleDiameter * lineWidthFactor / (math.Pi * r * r)
}

func (p *plan) startGcode() {
	x0, y0 := p.limits.XMin+primeMargin, p.limits.YMin+primeMargin
	prime := math.Min(90, p.limits.XMax-p.limits.XMin-2*primeMargin)
	p.line("; start")
	p.line("G28 ; home all axes")
	p.line("M190 S%s ; wait for bed", fmtNum(p.bedTemp))
	p.line("M109 S%s ; wait for nozzle", fmtNum(p.nozzleTemp))
	p.line("G90 ; absolute positioning")
	p.line("M83 ; relative extrusion")
	p.line("G92 E0")
	p.line("G1 Z2.000 F3000")
	p.line("G1 X%s Y%s F5000", fmtFixed(x0, 3), fmtFixed(y0, 3))
	p.line("G1 Z0.300 F3000")
	p.line("G1 X%s E%s F1000 ; prime line", fmtFixed(x0+prime, 3), fmtFixed(p.extrusion(prime, 0.3), 5))
	p.line("G1 Z1.000 F3000")
	p.line("")
}

func (p *plan) square(z, x, y, size, speed float64) {
	e := fmtFixed(p.extrusion(size, p.layerHeight), 5)
	feed := strconv.Itoa(int(math.Round(speed * 60)))
	p.line("G0 Z%s F300", fmtFixed(z, 3))
	p.line("G0 X%s Y%s F%s", fmtFixed(x, 3), fmtFixed(y, 3), feed)
	p.line("G1 X%s E%s", fmtFixed(x+size, 3), e)
	p.line("G1 Y%s E%s", fmtFixed(y+size, 3), e)
	p.line("G1 X%s E%s", fmtFixed(x, 3), e)
	p.line("G1 Y%s E%s", fmtFixed(y, 3), e)
}

func (p *plan) endGcode() {
	p.line("")
	p.line("; end")
	p.line("G1 E-2 F2700 ; retract")
	p.line("G91 ; relative positioning")
	p.line("G1 Z10 F3000 ; raise z")
	p.line("G90 ; absolute positioning")
	p.line("G1 X%s Y%s F3000 ; present print", fmtFixed(p.limits.XMin, 3), fmtFixed(p.limits.YMax, 3))
	p.line("M106 S0 ; fan off")
	p.line("M104 S0 ; hotend off")
	p.line("M140 S0 ; bed off")
	p.line("M84 ; motors off")
}

// steppedValues walks from start toward end in step increments, inclusive of
// start and of end when it lands on a step.
func steppedValues(start, end, step float64, precision int) ([]float64, error) {
	if step <= 0 {
		return nil, &domain.ValidationError{Field: "step", Message: "must be positive"}
	}
	// compared as a float: a huge quotient overflows int
	count := math.Floor(math.Abs(end-start)/step + epsilon)
	if !(count < maxSections) {
		return nil, &domain.ValidationError{Field: "step", Message: fmt.Sprintf("sweep would need more than %d sections", maxSections)}
	}
	n := int(count) + 1
	dir := 1.0
	if end < start {
		dir = -1
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = roundTo(start+dir*float64(i)*step, precision)
	}
	return out, nil
}

func roundTo(v float64, precision int) float64 {
	scale := math.Pow(10, float64(precision))
	return math.Round(v*scale) / scale
}

func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fmtFixed(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}
