package module

import "strings"

var sides = []string{"LEFT", "RIGHT", "BOTH"}

// LateralMovementParams 侧向移动（躲避方块）训练参数
type LateralMovementParams struct {
	Duration               float64 `json:"duration"`
	CubeGap                float64 `json:"cubeGap"`
	Speed                  float64 `json:"speed"`
	IsStanding             bool    `json:"isStanding"`
	TargetSide             string  `json:"targetSide"`
	RightOffsetCentimeters float64 `json:"rightOffsetCentimeters"`
	LeftOffsetCentimeters  float64 `json:"leftOffsetCentimeters"`
	CubeScaleDecimeters    float64 `json:"cubeScaleDecimeters"`
	SpawningDistanceMetres float64 `json:"spawningDistanceMetres"`
	SpawnHeightDecimetres  float64 `json:"spawnHeightDecimetres"`
	ZThresholdInMetres     float64 `json:"zThresholdInMetres"`
	Environment            *int    `json:"environment,omitempty"`
}

func (p *LateralMovementParams) ModuleID() ID { return LateralMovement }

func (p *LateralMovementParams) normalize() {
	p.TargetSide = strings.ToUpper(strings.TrimSpace(p.TargetSide))
}

// LateralMovementMetrics 侧向移动训练结果
type LateralMovementMetrics struct {
	Score       int `json:"score"`
	LeftCubes   int `json:"leftCubes"`
	RightCubes  int `json:"rightCubes"`
	LeftDodges  int `json:"leftDodges"`
	RightDodges int `json:"rightDodges"`
	LeftHits    int `json:"leftHits"`
	RightHits   int `json:"rightHits"`
}

func (m *LateralMovementMetrics) ModuleID() ID { return LateralMovement }

func (m *LateralMovementMetrics) TotalScore() int { return m.Score }

func lateralMovementDefinition() *Definition {
	return &Definition{
		ID:           LateralMovement,
		Name:         "Lateral movement",
		ParamsTable:  "lateral_movement_params",
		MetricsTable: "lateral_movement_metrics",
		ParamsSchema: Schema{
			{Name: "duration", Kind: KindNumber, Required: true, Constraint: Positive},
			{Name: "cubeGap", Kind: KindNumber, Required: true, Constraint: Positive},
			{Name: "speed", Kind: KindNumber, Required: true, Constraint: Positive},
			{Name: "isStanding", Kind: KindBool, Required: true},
			{Name: "targetSide", Kind: KindString, Required: true, OneOf: sides},
			{Name: "rightOffsetCentimeters", Kind: KindNumber, Required: true},
			{Name: "leftOffsetCentimeters", Kind: KindNumber, Required: true},
			{Name: "cubeScaleDecimeters", Kind: KindNumber, Required: true, Constraint: Positive},
			{Name: "spawningDistanceMetres", Kind: KindNumber, Required: true, Constraint: Positive},
			{Name: "spawnHeightDecimetres", Kind: KindNumber, Required: true},
			{Name: "zThresholdInMetres", Kind: KindNumber, Required: true},
			{Name: "environment", Kind: KindInteger, Constraint: NonNegative},
		},
		MetricsSchema: Schema{
			{Name: "score", Kind: KindInteger, Required: true, Constraint: NonNegative},
			{Name: "leftCubes", Kind: KindInteger, Required: true, Constraint: NonNegative},
			{Name: "rightCubes", Kind: KindInteger, Required: true, Constraint: NonNegative},
			{Name: "leftDodges", Kind: KindInteger, Required: true, Constraint: NonNegative},
			{Name: "rightDodges", Kind: KindInteger, Required: true, Constraint: NonNegative},
			{Name: "leftHits", Kind: KindInteger, Required: true, Constraint: NonNegative},
			{Name: "rightHits", Kind: KindInteger, Required: true, Constraint: NonNegative},
		},
		newParams:  func() Params { return &LateralMovementParams{} },
		newMetrics: func() Metrics { return &LateralMovementMetrics{} },
	}
}
