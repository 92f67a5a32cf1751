package subscription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hitoshi/subsync/internal/checker"
	"github.com/hitoshi/subsync/internal/gallery"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/seed"
)

// 永続化形式の現行バージョン
const (
	SubscriptionVersion = 5
	QueryVersion        = 3
)

// maxMigratedFileLimit は上限なしの旧データを移行するときに設定するファイル数の上限。
const maxMigratedFileLimit = 1000

// migration は1つ前のバージョンの形式を次のバージョンの形式に変換する。
type migration func(info map[string]any) (map[string]any, error)

// subscriptionMigrations はバージョンNからN+1への変換をNをキーに保持する。
var subscriptionMigrations = map[int]migration{
	1: migrateSubscriptionV1,
	2: migrateSubscriptionV2,
	3: migrateSubscriptionV3,
	4: migrateSubscriptionV4,
}

var queryMigrations = map[int]migration{
	1: migrateQueryV1,
	2: migrateQueryV2,
}

// versioned は入れ子になったバージョン付きオブジェクト。
type versioned struct {
	Version int             `json:"version"`
	Info    json.RawMessage `json:"info"`
}

type checkerDTO struct {
	IntendedFilesPerCheck int   `json:"intended_files_per_check"`
	NeverFasterThan       int64 `json:"never_faster_than"`
	NeverSlowerThan       int64 `json:"never_slower_than"`
	DeathFiles            int   `json:"death_files"`
	DeathPeriod           int64 `json:"death_period"`
}

type subscriptionDTO struct {
	Generator         generatorDTO            `json:"generator"`
	Queries           []versioned             `json:"queries"`
	CheckerOptions    checkerDTO              `json:"checker_options"`
	InitialFileLimit  int                     `json:"initial_file_limit"`
	PeriodicFileLimit int                     `json:"periodic_file_limit"`
	Paused            bool                    `json:"paused"`
	FileImportOptions model.FileImportOptions `json:"file_import_options"`
	TagImportOptions  model.TagImportOptions  `json:"tag_import_options"`
	NoWorkUntil       int64                   `json:"no_work_until"`
	NoWorkUntilReason string                  `json:"no_work_until_reason"`
	Presentation      PresentationOptions     `json:"presentation"`
}

type generatorDTO struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type queryDTO struct {
	Query            string                 `json:"query"`
	DisplayName      string                 `json:"display_name,omitempty"`
	CheckNow         bool                   `json:"check_now"`
	LastCheckTime    int64                  `json:"last_check_time"`
	NextCheckTime    int64                  `json:"next_check_time"`
	Paused           bool                   `json:"paused"`
	Status           model.CheckerStatus    `json:"status"`
	GallerySeedLog   []*seed.GallerySeed    `json:"gallery_seed_log"`
	FileSeedCache    []*seed.FileSeed       `json:"file_seed_cache"`
	TagImportOptions model.TagImportOptions `json:"tag_import_options"`
}

// toUnix は時刻をUNIX秒に変換する。ゼロ値は0になる。
// 保存形式は秒単位のため、1秒未満は切り捨てる（マネージャーの判定には3秒の余裕がある）。
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// fromUnix はUNIX秒を時刻に変換する。0以下はゼロ値になる。
func fromUnix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func fromSeconds(sec int64) time.Duration {
	return time.Duration(sec) * time.Second
}

// Marshal は購読を現行バージョンの形式に変換する。
func Marshal(s *Subscription) (int, []byte, error) {
	dto := subscriptionDTO{
		Generator: generatorDTO{Key: s.generator.Key.String(), Name: s.generator.Name},
		CheckerOptions: checkerDTO{
			IntendedFilesPerCheck: s.checkerOptions.IntendedFilesPerCheck,
			NeverFasterThan:       seconds(s.checkerOptions.NeverFasterThan),
			NeverSlowerThan:       seconds(s.checkerOptions.NeverSlowerThan),
			DeathFiles:            s.checkerOptions.DeathFileVelocity.Files,
			DeathPeriod:           seconds(s.checkerOptions.DeathFileVelocity.Period),
		},
		InitialFileLimit:  s.initialFileLimit,
		PeriodicFileLimit: s.periodicFileLimit,
		Paused:            s.paused,
		FileImportOptions: s.fileImportOptions,
		TagImportOptions:  s.tagImportOptions,
		NoWorkUntil:       toUnix(s.noWorkUntil),
		NoWorkUntilReason: s.noWorkUntilReason,
		Presentation:      s.presentation,
		Queries:           make([]versioned, 0, len(s.queries)),
	}

	for _, q := range s.queries {
		v, err := encodeQuery(q)
		if err != nil {
			return 0, nil, err
		}
		dto.Queries = append(dto.Queries, v)
	}

	payload, err := json.Marshal(dto)
	if err != nil {
		return 0, nil, fmt.Errorf("購読のシリアライズに失敗: %w", err)
	}
	return SubscriptionVersion, payload, nil
}

// Unmarshal は任意のバージョンの形式から購読を復元する。
// 古いバージョンは移行処理を順に適用して現行の形式に変換する。
func Unmarshal(name string, version int, payload []byte) (*Subscription, error) {
	raw, err := migrate(payload, version, SubscriptionVersion, subscriptionMigrations)
	if err != nil {
		return nil, fmt.Errorf("購読 %q の移行に失敗: %w", name, err)
	}

	var dto subscriptionDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("購読 %q のデシリアライズに失敗: %w", name, err)
	}

	s := &Subscription{
		name: name,
		generator: gallery.KeyAndName{
			Name: dto.Generator.Name,
		},
		checkerOptions: checker.Options{
			IntendedFilesPerCheck: dto.CheckerOptions.IntendedFilesPerCheck,
			NeverFasterThan:       fromSeconds(dto.CheckerOptions.NeverFasterThan),
			NeverSlowerThan:       fromSeconds(dto.CheckerOptions.NeverSlowerThan),
			DeathFileVelocity: checker.Velocity{
				Files:  dto.CheckerOptions.DeathFiles,
				Period: fromSeconds(dto.CheckerOptions.DeathPeriod),
			},
		},
		initialFileLimit:  dto.InitialFileLimit,
		periodicFileLimit: dto.PeriodicFileLimit,
		paused:            dto.Paused,
		fileImportOptions: dto.FileImportOptions,
		tagImportOptions:  dto.TagImportOptions,
		noWorkUntil:       fromUnix(dto.NoWorkUntil),
		noWorkUntilReason: dto.NoWorkUntilReason,
		presentation:      dto.Presentation,
	}

	if dto.Generator.Key != "" {
		if err := s.generator.Key.UnmarshalText([]byte(dto.Generator.Key)); err != nil {
			return nil, fmt.Errorf("購読 %q のジェネレーターキーが不正: %w", name, err)
		}
	} else {
		s.generator.Key = gallery.KeyForName(dto.Generator.Name)
	}

	for i, v := range dto.Queries {
		q, err := decodeQuery(v)
		if err != nil {
			return nil, fmt.Errorf("購読 %q のクエリ[%d]: %w", name, i, err)
		}
		s.queries = append(s.queries, q)
	}

	return s, nil
}

func (q *Query) toDTO() queryDTO {
	return queryDTO{
		Query:            q.text,
		DisplayName:      q.displayName,
		CheckNow:         q.checkNow,
		LastCheckTime:    toUnix(q.lastCheckTime),
		NextCheckTime:    toUnix(q.nextCheckTime),
		Paused:           q.paused,
		Status:           q.status,
		GallerySeedLog:   q.gallerySeedLog.Seeds(),
		FileSeedCache:    q.fileSeedCache.Seeds(),
		TagImportOptions: q.tagImportOptions,
	}
}

func encodeQuery(q *Query) (versioned, error) {
	info, err := json.Marshal(q.toDTO())
	if err != nil {
		return versioned{}, fmt.Errorf("クエリのシリアライズに失敗: %w", err)
	}
	return versioned{Version: QueryVersion, Info: info}, nil
}

func decodeQuery(v versioned) (*Query, error) {
	raw, err := migrate(v.Info, v.Version, QueryVersion, queryMigrations)
	if err != nil {
		return nil, err
	}

	var dto queryDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("クエリのデシリアライズに失敗: %w", err)
	}
	return queryFromDTO(dto)
}

func queryFromDTO(dto queryDTO) (*Query, error) {
	status := dto.Status
	switch status {
	case "":
		status = model.CheckerStatusOK
	case model.CheckerStatusOK, model.CheckerStatusDead:
	default:
		return nil, fmt.Errorf("不明なクエリの状態: %q", status)
	}

	return &Query{
		text:             dto.Query,
		displayName:      dto.DisplayName,
		checkNow:         dto.CheckNow,
		lastCheckTime:    fromUnix(dto.LastCheckTime),
		nextCheckTime:    fromUnix(dto.NextCheckTime),
		paused:           dto.Paused,
		status:           status,
		gallerySeedLog:   seed.RestoreGallerySeedLog(dto.GallerySeedLog),
		fileSeedCache:    seed.RestoreFileSeedCache(dto.FileSeedCache),
		tagImportOptions: dto.TagImportOptions,
	}, nil
}

// migrate はpayloadをfromからtoまで順に変換する。
func migrate(payload []byte, from, to int, chain map[int]migration) ([]byte, error) {
	if from < 1 || from > to {
		return nil, fmt.Errorf("未対応のバージョン: %d（現行 %d）", from, to)
	}
	if from == to {
		return payload, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var info map[string]any
	if err := dec.Decode(&info); err != nil {
		return nil, fmt.Errorf("バージョン%dの解析に失敗: %w", from, err)
	}

	for v := from; v < to; v++ {
		step, ok := chain[v]
		if !ok {
			return nil, fmt.Errorf("バージョン%dからの移行処理がありません", v)
		}
		next, err := step(info)
		if err != nil {
			return nil, fmt.Errorf("バージョン%dからの移行に失敗: %w", v, err)
		}
		info = next
	}

	return json.Marshal(info)
}

// asInt64 はJSONから読んだ数値をint64に変換する。nullや欠落は0。
func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		return int64(f), err
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("数値ではありません: %T", v)
	}
}

// copyInfo は浅いコピーを返す。移行処理は入力を書き換えない。
func copyInfo(info map[string]any) map[string]any {
	out := make(map[string]any, len(info)+4)
	for k, v := range info {
		out[k] = v
	}
	return out
}

// v1 → v2: 即時チェックと待機時間を追加する。
func migrateSubscriptionV1(info map[string]any) (map[string]any, error) {
	out := copyInfo(info)
	out["check_now"] = false
	out["no_work_until"] = 0
	out["no_work_until_reason"] = ""
	return out, nil
}

// v2 → v3: 単一のクエリを、チェック間隔から導いたチェック方針を持つクエリ一覧に変える。
func migrateSubscriptionV2(info map[string]any) (map[string]any, error) {
	out := copyInfo(info)

	period, err := asInt64(info["period"])
	if err != nil {
		return nil, fmt.Errorf("period: %w", err)
	}
	if period <= 0 {
		period = int64((24 * time.Hour) / time.Second)
	}
	lastChecked, err := asInt64(info["last_checked"])
	if err != nil {
		return nil, fmt.Errorf("last_checked: %w", err)
	}

	var nextCheck int64
	if lastChecked > 0 {
		nextCheck = lastChecked + period
	}

	fileSeeds, _ := info["file_seed_cache"].([]any)
	if fileSeeds == nil {
		fileSeeds = []any{}
	}

	queryInfo := map[string]any{
		"query":           info["query"],
		"check_now":       info["check_now"],
		"last_check_time": lastChecked,
		"next_check_time": nextCheck,
		"paused":          false,
		"status":          string(model.CheckerStatusOK),
		"file_seed_cache": fileSeeds,
	}
	rawQuery, err := json.Marshal(queryInfo)
	if err != nil {
		return nil, err
	}

	out["queries"] = []any{versioned{Version: 1, Info: rawQuery}}
	out["checker_options"] = map[string]any{
		"intended_files_per_check": 5,
		"never_faster_than":        period / 5,
		"never_slower_than":        period * 10,
		"death_files":              1,
		"death_period":             period * 10,
	}

	for _, k := range []string{"query", "period", "last_checked", "check_now", "file_seed_cache"} {
		delete(out, k)
	}
	return out, nil
}

// v3 → v4: 提示方法を追加し、ファイル数の上限を1000件以下に収める。
func migrateSubscriptionV3(info map[string]any) (map[string]any, error) {
	out := copyInfo(info)

	for _, k := range []string{"initial_file_limit", "periodic_file_limit"} {
		limit, err := asInt64(info[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if info[k] == nil || limit <= 0 || limit > maxMigratedFileLimit {
			limit = maxMigratedFileLimit
		}
		out[k] = limit
	}

	out["presentation"] = map[string]any{
		"show_popup_while_working":      true,
		"publish_files_to_popup_button": true,
		"publish_files_to_page":         false,
		"merge_query_publish_events":    true,
	}
	return out, nil
}

// v4 → v5: ギャラリー名をジェネレーターのキーと名前に置き換える。
func migrateSubscriptionV4(info map[string]any) (map[string]any, error) {
	out := copyInfo(info)

	name, _ := info["gallery_name"].(string)
	if name == "" {
		name = "unknown source"
	}
	out["generator"] = map[string]any{
		"key":  gallery.KeyForName(name).String(),
		"name": name,
	}
	delete(out, "gallery_name")
	return out, nil
}

// v1 → v2: ギャラリーページのログを追加する。
func migrateQueryV1(info map[string]any) (map[string]any, error) {
	out := copyInfo(info)
	out["gallery_seed_log"] = []any{}
	return out, nil
}

// v2 → v3: 表示名とクエリ固有の追加タグを追加する。
func migrateQueryV2(info map[string]any) (map[string]any, error) {
	out := copyInfo(info)
	out["display_name"] = ""
	out["tag_import_options"] = map[string]any{}
	return out, nil
}
