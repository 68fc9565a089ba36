package points

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KevinKickass/CoSimBridge/internal/registry"
	"github.com/KevinKickass/CoSimBridge/internal/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Profile lists the points exchanged with the simulation, in wire order.
type Profile struct {
	Outputs []types.Point `json:"outputs"`
	Inputs  []types.Point `json:"inputs"`
}

type ProfileLoader struct {
	validator *Validator
	logger    *zap.Logger
}

func NewProfileLoader(logger *zap.Logger) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator: validator,
		logger:    logger,
	}, nil
}

// Load reads a profile from a .json, .yaml or .yml file.
func (l *ProfileLoader) Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile not found: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}

	profile, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", path, err)
	}

	l.logger.Info("Point profile loaded",
		zap.String("path", path),
		zap.Int("outputs", len(profile.Outputs)),
		zap.Int("inputs", len(profile.Inputs)))

	return profile, nil
}

// Parse validates and decodes a JSON profile document.
func (l *ProfileLoader) Parse(data []byte) (*Profile, error) {
	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, err
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	return &profile, nil
}

// Register declares every output and then every input of the profile.
func (p *Profile) Register(reg *registry.VariableRegistry) error {
	for _, pt := range p.Outputs {
		if err := reg.RegisterOutput(pt); err != nil {
			return fmt.Errorf("failed to register output: %w", err)
		}
	}
	for _, pt := range p.Inputs {
		if err := reg.RegisterInput(pt); err != nil {
			return fmt.Errorf("failed to register input: %w", err)
		}
	}
	return nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
