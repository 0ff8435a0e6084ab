package challenge

import "time"

// Challenge 是网络下发的工作量证明题目，获取后不可修改。
type Challenge struct {
	ID         string `json:"id"`
	Difficulty int    `json:"difficulty"`
	Data       string `json:"data"`
	// ExpiresAt 为 Unix 秒，0 表示永不过期。
	ExpiresAt int64 `json:"expiresAt"`
}

// Expired 判断题目在 now 时刻是否已经过期。
func (c Challenge) Expired(now time.Time) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return now.Unix() > c.ExpiresAt
}

// Solution 是针对某个 Challenge 求得的结果，只对该题目有意义。
type Solution struct {
	Nonce    string `json:"nonce"`
	Attempts int    `json:"attempts"`
}

// SubmissionResult 是网络对提交结果的判定。
type SubmissionResult struct {
	Accepted bool   `json:"accepted"`
	Reward   string `json:"reward"`
	Message  string `json:"message"`
}
