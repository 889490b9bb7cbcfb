package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
	"RehabSessionHub/internal/store/memory"
)

// ClinicianID 预置的仪表盘用户
const ClinicianID = "clinician-1"

// EngineSecret 测试用引擎密钥
const EngineSecret = "test-engine-secret"

// 合法的模块载荷
const (
	LateralParamsJSON = `{
		"duration": 60,
		"cubeGap": 2,
		"speed": 1.5,
		"isStanding": true,
		"targetSide": "both",
		"rightOffsetCentimeters": 25,
		"leftOffsetCentimeters": 25,
		"cubeScaleDecimeters": 3,
		"spawningDistanceMetres": 10,
		"spawnHeightDecimetres": 12,
		"zThresholdInMetres": 0.4
	}`

	LateralMetricsJSON = `{
		"score": 42,
		"leftCubes": 10,
		"rightCubes": 12,
		"leftDodges": 8,
		"rightDodges": 9,
		"leftHits": 2,
		"rightHits": 3
	}`

	GrabParamsJSON = `{
		"targetHand": "left",
		"reps": 8,
		"boxes": [{"boxX": 0.1, "boxZ": 0.5, "label": "Box A", "colorLight": "#aaf", "colorDark": "#226"}],
		"spheres": [{"spawnCentreX": 0.2, "spawnCentreZ": 0.8, "zoneWidth": 0.25, "color": "green", "label": "Sphere 1"}]
	}`

	GrabMetricsJSON = `{"score": 17}`
)

// Patient 合法的患者信息
func Patient() session.PatientInfo {
	return session.PatientInfo{Name: "Asha Verma", Ailment: "post-stroke hemiparesis", Email: "asha@example.com"}
}

// Raw 将常量载荷转换为 json.RawMessage
func Raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

// NewMemoryStore 创建带预置用户的内存存储
func NewMemoryStore() *memory.Store {
	return memory.New(session.User{ID: ClinicianID, Name: "Dr. Meera Rao", Email: "meera@example.com"})
}

// NewCoordinator 使用默认注册表创建协调器，存储超时缩短以加快测试
func NewCoordinator(t *testing.T, store session.Store, opts ...session.Option) *session.Coordinator {
	t.Helper()
	opts = append([]session.Option{session.WithStoreTimeout(500 * time.Millisecond)}, opts...)
	return session.NewCoordinator(store, module.DefaultRegistry(), opts...)
}
