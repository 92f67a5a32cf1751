package model

// SeedStatus はシードの処理状態を表す。
type SeedStatus int

const (
	StatusUnknown SeedStatus = iota
	StatusSuccessfulAndNew
	StatusSuccessfulButRedundant
	StatusDeleted
	StatusError
	StatusVetoed
	StatusSkipped
)

// AllSeedStatuses は全ての状態を定義順に返す。
func AllSeedStatuses() []SeedStatus {
	return []SeedStatus{
		StatusUnknown,
		StatusSuccessfulAndNew,
		StatusSuccessfulButRedundant,
		StatusDeleted,
		StatusError,
		StatusVetoed,
		StatusSkipped,
	}
}

func (s SeedStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusSuccessfulAndNew:
		return "successful"
	case StatusSuccessfulButRedundant:
		return "already in db"
	case StatusDeleted:
		return "deleted"
	case StatusError:
		return "error"
	case StatusVetoed:
		return "ignored"
	case StatusSkipped:
		return "skipped"
	default:
		return "invalid"
	}
}

// IsTerminal は処理済みの状態かを返す。
func (s SeedStatus) IsTerminal() bool {
	return s != StatusUnknown
}

// IsSuccessful は取り込みに成功した状態かを返す。
func (s SeedStatus) IsSuccessful() bool {
	return s == StatusSuccessfulAndNew || s == StatusSuccessfulButRedundant
}

// CheckerStatus はクエリの生存状態を表す。
type CheckerStatus string

const (
	CheckerStatusOK   CheckerStatus = "ok"
	CheckerStatusDead CheckerStatus = "dead"
)
