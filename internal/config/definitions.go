package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SubscriptionDefinition はimportコマンドで読み込む購読の定義。
type SubscriptionDefinition struct {
	Name              string             `yaml:"name"`
	Generator         string             `yaml:"generator"`
	Paused            bool               `yaml:"paused"`
	Tags              []string           `yaml:"tags"`
	InitialFileLimit  int                `yaml:"initial_file_limit"`
	PeriodicFileLimit int                `yaml:"periodic_file_limit"`
	Checker           *CheckerDefinition `yaml:"checker"`
	Queries           []QueryDefinition  `yaml:"queries"`
}

// QueryDefinition は購読に含めるクエリの定義。
type QueryDefinition struct {
	Text        string   `yaml:"text"`
	DisplayName string   `yaml:"display_name"`
	Paused      bool     `yaml:"paused"`
	Tags        []string `yaml:"tags"`
}

// CheckerDefinition はチェック間隔の設定。省略した項目は既定値を使う。
type CheckerDefinition struct {
	IntendedFilesPerCheck int           `yaml:"intended_files_per_check"`
	NeverFasterThan       time.Duration `yaml:"never_faster_than"`
	NeverSlowerThan       time.Duration `yaml:"never_slower_than"`
	DeathFiles            int           `yaml:"death_files"`
	DeathPeriod           time.Duration `yaml:"death_period"`
}

type subscriptionsFile struct {
	Subscriptions []SubscriptionDefinition `yaml:"subscriptions"`
}

// ParseSubscriptionDefinitions はYAMLから購読定義を読み込み、検証する。
func ParseSubscriptionDefinitions(data []byte) ([]SubscriptionDefinition, error) {
	var f subscriptionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("購読定義の解析に失敗: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Subscriptions))
	for i, def := range f.Subscriptions {
		if err := def.validate(); err != nil {
			return nil, fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("subscriptions[%d]: 購読名 %q が重複しています", i, def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	return f.Subscriptions, nil
}

// LoadSubscriptionDefinitions はYAMLファイルから購読定義を読み込む。
func LoadSubscriptionDefinitions(path string) ([]SubscriptionDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("購読定義の読み込みに失敗: %w", err)
	}
	return ParseSubscriptionDefinitions(data)
}

func (d SubscriptionDefinition) validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("name is required")
	case d.Generator == "":
		return fmt.Errorf("generator is required")
	case len(d.Queries) == 0:
		return fmt.Errorf("at least one query is required")
	case d.InitialFileLimit < 0 || d.PeriodicFileLimit < 0:
		return fmt.Errorf("file limits must not be negative")
	}
	for i, q := range d.Queries {
		if q.Text == "" {
			return fmt.Errorf("queries[%d]: text is required", i)
		}
	}
	return nil
}
