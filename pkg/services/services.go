// Package services implements the mocked automotive microservices and
// registers them as operations.
package services

import (
	"context"
	"strings"
	"time"

	"github.com/jllopis/carmcp/pkg/registry"
)

// Tool names exposed by the default registry.
const (
	Diagnostics = "diagnostics"
	Navigation  = "navigation"
	Weather     = "weather"
	Maintenance = "maintenance"
	Emergency   = "emergency"
	Knowledge   = "knowledge"
	VehicleInfo = "vehicle_info"
)

// Clock returns the current time. Tests replace it for stable output.
var Clock = func() time.Time { return time.Now().UTC() }

var knowledgeBase = map[string]string{
	"P0301":      "Misfire in cylinder 1 can impact fuel economy and emissions.",
	"P0101":      "Mass air flow sensor reading out of range; check intake leaks and sensor wiring.",
	"heavy rain": "Reduced visibility and braking performance increase stopping distance.",
}

// Default returns a registry with every mocked service registered.
func Default() *registry.Registry {
	r := registry.New()
	Register(r)
	return r
}

// Register adds the mocked services to r in a stable order.
func Register(r *registry.Registry) {
	r.MustRegister(registry.Operation{
		Name:        Diagnostics,
		Description: "Run diagnostics for a given OBD-II trouble code.",
		Schema: registry.Schema{
			{Name: "obd_code", Type: registry.TypeString, Description: "OBD-II trouble code, e.g. P0301", Default: "P0301"},
		},
		Func: diagnostics,
	})
	r.MustRegister(registry.Operation{
		Name:        Navigation,
		Description: "Get route guidance for a destination.",
		Schema: registry.Schema{
			{Name: "destination", Type: registry.TypeString, Description: "Where the driver is heading", Default: "Office"},
		},
		Func: navigation,
	})
	r.MustRegister(registry.Operation{
		Name:        Weather,
		Description: "Get weather conditions and risk for a region.",
		Schema: registry.Schema{
			{Name: "route_region", Type: registry.TypeString, Description: "Region along the route", Default: "city"},
		},
		Func: weather,
	})
	r.MustRegister(registry.Operation{
		Name:        Maintenance,
		Description: "Get maintenance recommendations based on mileage.",
		Schema: registry.Schema{
			{Name: "current_mileage", Type: registry.TypeInteger, Description: "Odometer reading in km", Default: int64(42000)},
		},
		Func: maintenance,
	})
	r.MustRegister(registry.Operation{
		Name:        Emergency,
		Description: "Get emergency driving recommendation for a risk level.",
		Schema: registry.Schema{
			{Name: "risk_level", Type: registry.TypeString, Description: "Assessed risk", Default: "low",
				Enum: []string{"low", "moderate", "high", "severe"}},
		},
		Func: emergency,
	})
	r.MustRegister(registry.Operation{
		Name:        Knowledge,
		Description: "Get automotive knowledge/explanation for a topic or code.",
		Schema: registry.Schema{
			{Name: "topic", Type: registry.TypeString, Description: "Trouble code or driving condition", Default: "P0301"},
		},
		Func: knowledge,
	})
	r.MustRegister(registry.Operation{
		Name:        VehicleInfo,
		Description: "Get current vehicle profile details.",
		Schema: registry.Schema{
			{Name: "vin", Type: registry.TypeString, Description: "Vehicle identification number", Default: "DEMO-VIN-123"},
		},
		Func: vehicleInfo,
	})
}

func diagnostics(_ context.Context, args registry.Args) (map[string]any, error) {
	code := args.String("obd_code")
	severity := "low"
	if strings.HasPrefix(code, "P03") {
		severity = "medium"
	}
	summary := "Generic diagnostic result"
	if code == "P0301" {
		summary = "Engine misfire detected on cylinder 1"
	}
	return map[string]any{
		"service":   "Diagnostics",
		"timestamp": Clock().Format(time.RFC3339),
		"obd_code":  code,
		"severity":  severity,
		"summary":   summary,
	}, nil
}

func navigation(_ context.Context, args registry.Args) (map[string]any, error) {
	return map[string]any{
		"service":         "Navigation",
		"destination":     args.String("destination"),
		"distance_km":     24,
		"eta_minutes":     38,
		"route_risk_zone": "moderate",
	}, nil
}

func weather(_ context.Context, args registry.Args) (map[string]any, error) {
	return map[string]any{
		"service":    "Weather",
		"region":     args.String("route_region"),
		"condition":  "heavy rain",
		"visibility": "reduced",
		"risk_level": "high",
	}, nil
}

func maintenance(_ context.Context, args registry.Args) (map[string]any, error) {
	mileage := args.Int("current_mileage")
	overdue := []string{}
	window := 30
	if mileage > 40000 {
		overdue = []string{"brake fluid", "air filter"}
		window = 7
	}
	return map[string]any{
		"service":                 "Maintenance",
		"mileage":                 mileage,
		"overdue_items":           overdue,
		"recommended_window_days": window,
	}, nil
}

func emergency(_ context.Context, args registry.Args) (map[string]any, error) {
	level := args.String("risk_level")
	recommendation := "Drive with caution and monitor conditions"
	if level == "high" || level == "severe" {
		recommendation = "Avoid travel and keep roadside assistance on standby"
	}
	return map[string]any{
		"service":        "Emergency",
		"risk_level":     level,
		"recommendation": recommendation,
	}, nil
}

func knowledge(_ context.Context, args registry.Args) (map[string]any, error) {
	topic := args.String("topic")
	explanation, ok := knowledgeBase[topic]
	if !ok {
		explanation = "General automotive guidance."
	}
	return map[string]any{
		"service":     "Knowledge",
		"topic":       topic,
		"explanation": explanation,
	}, nil
}

func vehicleInfo(_ context.Context, args registry.Args) (map[string]any, error) {
	return map[string]any{
		"service": "Vehicle Info",
		"vin":     args.String("vin"),
		"model":   "Demo EV Sedan",
		"year":    2022,
		"mileage": 42000,
	}, nil
}
