package datatypes

import (
	"strings"
	"testing"
)

func TestDomainOf(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"sensor.kert_humidity", "sensor"},
		{"light.nappali_lampa", "light"},
		{"nodot", ""},
		{".leading", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := DomainOf(tt.id); got != tt.want {
			t.Errorf("DomainOf(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestDescribe(t *testing.T) {
	e := Entity{
		EntityID:     "sensor.kert_humidity",
		Domain:       "sensor",
		DeviceClass:  "humidity",
		Area:         "kert",
		FriendlyName: "Kerti páratartalom",
		Text:         "Humidity sensor in the garden",
	}
	got := e.Describe()
	want := "sensor.kert_humidity | Kerti páratartalom | terület: kert | sensor.humidity | Humidity sensor in the garden"
	if got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}

func TestDescribeSparse(t *testing.T) {
	e := Entity{EntityID: "light.x", Domain: "light"}
	got := e.Describe()
	if got != "light.x | light" {
		t.Errorf("Describe() = %q, want %q", got, "light.x | light")
	}
	if strings.Contains(got, "terület") {
		t.Error("empty area must not render")
	}
}

func TestAreaDisplayName(t *testing.T) {
	a := Area{Name: "kert", Aliases: []string{"garden", "yard"}}
	if got := a.DisplayName(); got != "kert (garden, yard)" {
		t.Errorf("DisplayName() = %q", got)
	}
	bare := Area{Name: "nappali"}
	if got := bare.DisplayName(); got != "nappali" {
		t.Errorf("DisplayName() = %q", got)
	}
}

func TestControlToolsFor(t *testing.T) {
	tools := ControlToolsFor([]string{"light", "sensor", "light", "climate"})

	var names []string
	for _, tool := range tools {
		if tool.Type != "function" {
			t.Errorf("tool type = %q, want function", tool.Type)
		}
		names = append(names, tool.Function.Name)
	}
	wantNames := []string{
		"light.turn_on", "light.turn_off", "light.toggle",
		"climate.set_temperature", "climate.turn_on", "climate.turn_off",
	}
	if len(names) != len(wantNames) {
		t.Fatalf("tool names = %v, want %v", names, wantNames)
	}
	for i := range names {
		if names[i] != wantNames[i] {
			t.Errorf("tool[%d] = %q, want %q", i, names[i], wantNames[i])
		}
	}
}

func TestNewServiceToolRequiresEntityID(t *testing.T) {
	tool := NewServiceTool("switch", "toggle")
	if len(tool.Function.Parameters.Required) != 1 || tool.Function.Parameters.Required[0] != "entity_id" {
		t.Errorf("required = %v, want [entity_id]", tool.Function.Parameters.Required)
	}
	if _, ok := tool.Function.Parameters.Properties["entity_id"]; !ok {
		t.Error("entity_id property missing")
	}
}
