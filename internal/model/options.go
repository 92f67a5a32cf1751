package model

// FileImportOptions はファイル取り込み結果の提示方針を表す。
type FileImportOptions struct {
	PresentNewFiles       bool `json:"present_new_files"`
	PresentAlreadyInFiles bool `json:"present_already_in_files"`
}

// DefaultFileImportOptions は購読向けの既定値を返す。
// 新規ファイルのみを提示する。
func DefaultFileImportOptions() FileImportOptions {
	return FileImportOptions{PresentNewFiles: true}
}

// ShouldPresent は指定状態のファイルを提示すべきかを返す。
func (o FileImportOptions) ShouldPresent(status SeedStatus) bool {
	switch status {
	case StatusSuccessfulAndNew:
		return o.PresentNewFiles
	case StatusSuccessfulButRedundant:
		return o.PresentAlreadyInFiles
	default:
		return false
	}
}

// TagImportOptions は取り込み成功時に付与する追加タグを表す。
type TagImportOptions struct {
	AdditionalTags []string `json:"additional_tags,omitempty"`
}

// HasAdditionalTags は追加タグが設定されているかを返す。
func (o TagImportOptions) HasAdditionalTags() bool {
	return len(o.AdditionalTags) > 0
}
