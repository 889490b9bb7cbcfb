package module

import "strings"

// Box 抓取目标箱
type Box struct {
	BoxX       float64 `json:"boxX"`
	BoxZ       float64 `json:"boxZ"`
	Label      string  `json:"label"`
	ColorLight string  `json:"colorLight"`
	ColorDark  string  `json:"colorDark"`
}

// Sphere 球体生成区域
type Sphere struct {
	SpawnCentreX float64 `json:"spawnCentreX"`
	SpawnCentreZ float64 `json:"spawnCentreZ"`
	ZoneWidth    float64 `json:"zoneWidth"`
	Color        string  `json:"color"`
	Label        string  `json:"label"`
}

// GrabAndReachOutParams 抓取伸展训练参数
type GrabAndReachOutParams struct {
	TargetHand string   `json:"targetHand"`
	Reps       int      `json:"reps"`
	Boxes      []Box    `json:"boxes"`
	Spheres    []Sphere `json:"spheres"`
}

func (p *GrabAndReachOutParams) ModuleID() ID { return GrabAndReachOut }

func (p *GrabAndReachOutParams) normalize() {
	p.TargetHand = strings.ToUpper(strings.TrimSpace(p.TargetHand))
	if p.Boxes == nil {
		p.Boxes = []Box{}
	}
	if p.Spheres == nil {
		p.Spheres = []Sphere{}
	}
	for i := range p.Boxes {
		p.Boxes[i].Label = strings.TrimSpace(p.Boxes[i].Label)
	}
	for i := range p.Spheres {
		p.Spheres[i].Label = strings.TrimSpace(p.Spheres[i].Label)
	}
}

// GrabAndReachOutMetrics 抓取伸展训练结果
type GrabAndReachOutMetrics struct {
	Score int `json:"score"`
}

func (m *GrabAndReachOutMetrics) ModuleID() ID { return GrabAndReachOut }

func (m *GrabAndReachOutMetrics) TotalScore() int { return m.Score }

func grabAndReachOutDefinition() *Definition {
	return &Definition{
		ID:           GrabAndReachOut,
		Name:         "Grab and reach out",
		ParamsTable:  "grab_and_reach_out_params",
		MetricsTable: "grab_and_reach_out_metrics",
		ParamsSchema: Schema{
			{Name: "targetHand", Kind: KindString, Required: true, OneOf: sides},
			{Name: "reps", Kind: KindInteger, Required: true, Constraint: Positive},
			{Name: "boxes", Kind: KindArray, Elem: Schema{
				{Name: "boxX", Kind: KindNumber, Required: true},
				{Name: "boxZ", Kind: KindNumber, Required: true},
				{Name: "label", Kind: KindString, Required: true, Constraint: NonEmpty},
				{Name: "colorLight", Kind: KindString, Required: true, Constraint: NonEmpty},
				{Name: "colorDark", Kind: KindString, Required: true, Constraint: NonEmpty},
			}},
			{Name: "spheres", Kind: KindArray, Elem: Schema{
				{Name: "spawnCentreX", Kind: KindNumber, Required: true},
				{Name: "spawnCentreZ", Kind: KindNumber, Required: true},
				{Name: "zoneWidth", Kind: KindNumber, Required: true, Constraint: Positive},
				{Name: "color", Kind: KindString, Required: true, Constraint: NonEmpty},
				{Name: "label", Kind: KindString, Required: true, Constraint: NonEmpty},
			}},
		},
		MetricsSchema: Schema{
			{Name: "score", Kind: KindInteger, Required: true, Constraint: NonNegative},
		},
		newParams:  func() Params { return &GrabAndReachOutParams{} },
		newMetrics: func() Metrics { return &GrabAndReachOutMetrics{} },
	}
}
