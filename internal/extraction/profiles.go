package extraction

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ingest-cli/internal/model"
)

// LoadProfiles reads every *.yaml / *.yml file in dir as an extraction
// profile, keyed by profile name. The general profile is always present;
// a file may override it.
func LoadProfiles(dir string) (map[string]*model.ExtractionProfile, error) {
	profiles := map[string]*model.ExtractionProfile{
		"general": GeneralProfile(),
	}

	if dir == "" {
		return profiles, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			zap.L().Warn("extraction: profiles dir missing, using general only",
				zap.String("dir", dir))
			return profiles, nil
		}
		return nil, eris.Wrapf(err, "extraction: read profiles dir %s", dir)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := loadProfileFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

func loadProfileFile(path string) (*model.ExtractionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extraction: read profile %s", path)
	}

	var p model.ExtractionProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrapf(err, "extraction: parse profile %s", path)
	}
	if err := validateProfile(&p); err != nil {
		return nil, eris.Wrapf(err, "extraction: profile %s", path)
	}
	return &p, nil
}

func validateProfile(p *model.ExtractionProfile) error {
	if p.Name == "" {
		return eris.New("missing name")
	}
	if len(p.Levels) == 0 {
		return eris.Errorf("profile %s has no levels", p.Name)
	}
	seen := map[string]bool{}
	for _, l := range p.Levels {
		if l.Name == "" {
			return eris.Errorf("profile %s has an unnamed level", p.Name)
		}
		if seen[l.Name] {
			return eris.Errorf("profile %s defines level %s twice", p.Name, l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}

// GeneralProfile is the built-in fallback profile with the three standard
// depth levels.
func GeneralProfile() *model.ExtractionProfile {
	return &model.ExtractionProfile{
		Name: "general",
		Vocabulary: map[string]any{
			"focus": "statements of fact, figures, obligations, and risks",
		},
		Required: []string{"subject", "predicate", "statement"},
		Levels: []model.ExtractionLevel{
			{Name: "basic", Rank: 1, Overlay: map[string]any{
				"depth": "headline facts only",
			}},
			{Name: "detailed", Rank: 2, Overlay: map[string]any{
				"depth": "all explicit facts including supporting figures",
			}},
			{Name: "comprehensive", Rank: 3, Overlay: map[string]any{
				"depth": "every extractable statement with full attribute coverage",
			}},
		},
	}
}
