// Package checker はクエリの次回チェック時刻と生存判定を計算するポリシーを提供する。
package checker

import (
	"fmt"
	"time"
)

// now はテストで差し替え可能な現在時刻関数。
var now = time.Now

// minVelocityWindow は速度計算で使う最小の時間幅。
const minVelocityWindow = 30 * time.Second

// FileHistory はポリシーが参照するファイル履歴。
type FileHistory interface {
	Len() int
	NumNewFilesSince(since time.Time) int
	EarliestSourceTime() (time.Time, bool)
	LatestSourceTime() (time.Time, bool)
}

// Policy は次回チェック時刻と生存判定の計算戦略。
type Policy interface {
	// IsDead はクエリがもう新しいファイルを出さないと判断できるかを返す。
	IsDead(history FileHistory, lastCheck time.Time) bool
	// NextCheckTime は次回チェック時刻を返す。ゼロ値は「今すぐ」を表す。
	NextCheckTime(history FileHistory, lastCheck, previousNext time.Time) time.Time
	// DeathFileVelocityPeriod は死亡判定に使う期間を返す。
	DeathFileVelocityPeriod() time.Duration
}

// Velocity は期間あたりのファイル数を表す。
type Velocity struct {
	Files  int
	Period time.Duration
}

func (v Velocity) String() string {
	return fmt.Sprintf("%d files in %s", v.Files, v.Period)
}

// Options はファイルの投稿速度に基づくPolicy実装。
// 1回のチェックで IntendedFilesPerCheck 件が見つかる間隔を目標とし、
// NeverFasterThan から NeverSlowerThan の範囲に収める。
// 投稿速度が DeathFileVelocity を下回ったクエリは死亡と判定する。
type Options struct {
	IntendedFilesPerCheck int
	NeverFasterThan       time.Duration
	NeverSlowerThan       time.Duration
	DeathFileVelocity     Velocity
}

// DefaultSubscriptionOptions は購読向けの既定値を返す。
// 最短1日、最長90日間隔でチェックし、90日間に1件も見つからなければ死亡とする。
func DefaultSubscriptionOptions() Options {
	return Options{
		IntendedFilesPerCheck: 5,
		NeverFasterThan:       24 * time.Hour,
		NeverSlowerThan:       90 * 24 * time.Hour,
		DeathFileVelocity:     Velocity{Files: 1, Period: 90 * 24 * time.Hour},
	}
}

// Validate は設定値の整合性を検証する。
func (o Options) Validate() error {
	switch {
	case o.IntendedFilesPerCheck < 1:
		return fmt.Errorf("intended files per check must be at least 1: %d", o.IntendedFilesPerCheck)
	case o.NeverFasterThan <= 0:
		return fmt.Errorf("never faster than must be positive: %s", o.NeverFasterThan)
	case o.NeverSlowerThan < o.NeverFasterThan:
		return fmt.Errorf("never slower than (%s) must not be less than never faster than (%s)", o.NeverSlowerThan, o.NeverFasterThan)
	case o.DeathFileVelocity.Files < 0 || o.DeathFileVelocity.Period <= 0:
		return fmt.Errorf("invalid death file velocity: %s", o.DeathFileVelocity)
	}
	return nil
}

// DeathFileVelocityPeriod は死亡判定に使う期間を返す。
func (o Options) DeathFileVelocityPeriod() time.Duration {
	return o.DeathFileVelocity.Period
}

// currentVelocity は直近の投稿速度を返す。
// 履歴が死亡判定期間より短い場合は、履歴の長さを期間として使う。
func (o Options) currentVelocity(history FileHistory, lastCheck time.Time) (int, time.Duration) {
	deathPeriod := o.DeathFileVelocity.Period
	found := history.NumNewFilesSince(lastCheck.Add(-deathPeriod))

	window := deathPeriod
	if earliest, ok := history.EarliestSourceTime(); ok {
		early := lastCheck.Sub(earliest)
		if early < minVelocityWindow {
			early = minVelocityWindow
		}
		if early < window {
			window = early
		}
	}
	return found, window
}

// IsDead は直近の投稿速度が死亡判定速度を下回るかを返す。
// 一度もチェックしておらず履歴もない場合は死亡としない。
func (o Options) IsDead(history FileHistory, lastCheck time.Time) bool {
	if history.Len() == 0 && lastCheck.IsZero() {
		return false
	}

	found, window := o.currentVelocity(history, lastCheck)
	current := float64(found) / window.Seconds()
	death := float64(o.DeathFileVelocity.Files) / o.DeathFileVelocity.Period.Seconds()
	return current < death
}

// NextCheckTime は次回チェック時刻を返す。
func (o Options) NextCheckTime(history FileHistory, lastCheck, previousNext time.Time) time.Time {
	if history.Len() == 0 {
		if lastCheck.IsZero() {
			return time.Time{}
		}
		return now().Add(o.NeverSlowerThan)
	}

	if o.NeverFasterThan == o.NeverSlowerThan {
		return o.fixedNextCheckTime(lastCheck, previousNext)
	}

	found, window := o.currentVelocity(history, lastCheck)

	period := o.NeverSlowerThan
	if found > 0 {
		timePerFile := window / time.Duration(found)
		ideal := time.Duration(o.IntendedFilesPerCheck) * timePerFile

		// 大量に投稿された後に止まったクエリを速い間隔でチェックし続けないよう、
		// 最終投稿からの経過時間を下限に加える。
		floor := o.NeverFasterThan
		if latest, ok := history.LatestSourceTime(); ok {
			sinceLatest := lastCheck.Sub(latest)
			if sinceLatest < minVelocityWindow {
				sinceLatest = minVelocityWindow
			}
			if sinceLatest > floor {
				floor = sinceLatest
			}
		}

		period = max(floor, ideal)
		period = min(period, o.NeverSlowerThan)
	}

	return lastCheck.Add(period)
}

// fixedNextCheckTime は固定間隔の場合の次回チェック時刻を返す。
// 前回の予定時刻から間隔を積み上げてチェックのリズムを保つ。
func (o Options) fixedNextCheckTime(lastCheck, previousNext time.Time) time.Time {
	period := o.NeverSlowerThan
	if previousNext.IsZero() {
		return lastCheck.Add(period)
	}

	next := previousNext.Add(period)
	for !next.After(lastCheck) {
		next = next.Add(period)
	}
	return next
}
