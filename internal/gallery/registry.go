package gallery

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Registry はジェネレーターの登録簿。
type Registry struct {
	mu     sync.RWMutex
	byKey  map[uuid.UUID]*Generator
	byName map[string]*Generator
}

// NewRegistry はジェネレーターを登録したRegistryを生成する。
func NewRegistry(gens ...*Generator) *Registry {
	r := &Registry{
		byKey:  make(map[uuid.UUID]*Generator),
		byName: make(map[string]*Generator),
	}
	for _, g := range gens {
		r.Add(g)
	}
	return r
}

// Add はジェネレーターを登録する。同じキーまたは名前の登録は置き換える。
func (r *Registry) Add(g *Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byKey[g.key] = g
	r.byName[g.name] = g
}

// Get はキーで検索し、見つからなければ名前で検索する。
// 定義ファイルの再作成でキーが変わっても、名前が同じなら購読を継続できる。
func (r *Registry) Get(kn KeyAndName) (URLGenerator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if g, ok := r.byKey[kn.Key]; ok {
		return g, true
	}
	if g, ok := r.byName[kn.Name]; ok {
		return g, true
	}
	return nil, false
}

// Names は登録されている名前を昇順で返す。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// definitionsFile はジェネレーター定義ファイルの形式。
type definitionsFile struct {
	Generators []Definition `yaml:"generators"`
}

// ParseDefinitions はYAMLからジェネレーター定義を読み込む。
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ジェネレーター定義の解析に失敗: %w", err)
	}
	return f.Generators, nil
}

// LoadRegistry はYAMLファイルからRegistryを構築する。
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ジェネレーター定義の読み込みに失敗: %w", err)
	}

	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, err
	}

	r := NewRegistry()
	for i, def := range defs {
		g, err := NewGenerator(def)
		if err != nil {
			return nil, fmt.Errorf("generators[%d]: %w", i, err)
		}
		r.Add(g)
	}
	return r, nil
}
