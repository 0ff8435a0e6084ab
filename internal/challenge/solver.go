package challenge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// MaxAttempts 是一次求解允许尝试的候选 nonce 数量上限。
const MaxAttempts = 1_000_000

// HashFunc 计算候选输入的哈希，返回十六进制字符串（可带 0x 前缀）。
type HashFunc func(input string) string

// Keccak256Hex 是网络使用的哈希：对 UTF-8 输入做 Keccak-256，输出带 0x 前缀的小写十六进制。
func Keccak256Hex(input string) string {
	return crypto.Keccak256Hash([]byte(input)).Hex()
}

// Solver 顺序穷举 nonce，直到哈希满足难度或次数耗尽。
type Solver struct {
	hash        HashFunc
	maxAttempts int
}

// SolverOption 定义可选配置。
type SolverOption func(*Solver)

// WithHashFunc 替换哈希函数，主要用于测试。
func WithHashFunc(fn HashFunc) SolverOption {
	return func(s *Solver) {
		if fn != nil {
			s.hash = fn
		}
	}
}

// WithMaxAttempts 调整尝试上限。
func WithMaxAttempts(n int) SolverOption {
	return func(s *Solver) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewSolver 创建求解器，默认使用 Keccak-256 和 MaxAttempts。
func NewSolver(opts ...SolverOption) *Solver {
	s := &Solver{hash: Keccak256Hex, maxAttempts: MaxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var defaultSolver = NewSolver()

// Solve 使用默认求解器。
func Solve(data string, difficulty int) (Solution, bool) {
	return defaultSolver.Solve(data, difficulty)
}

// Solve 按 0, 1, 2, … 的顺序尝试 nonce，返回第一个满足难度的结果。
// 纯 CPU 计算、不做 I/O，调用方应将其视为阻塞操作。
// 难度超过哈希位宽时不会提前返回，而是跑满整个尝试上限。
// 穷举失败时返回的 Solution 只携带实际尝试次数，Nonce 为空。
func (s *Solver) Solve(data string, difficulty int) (Solution, bool) {
	for i := 0; i < s.maxAttempts; i++ {
		nonce := FormatNonce(uint32(i))
		if MeetsDifficulty(s.hash(data+nonce), difficulty) {
			return Solution{Nonce: nonce, Attempts: i + 1}, true
		}
	}
	return Solution{Attempts: s.maxAttempts}, false
}

// FormatNonce 将 nonce 渲染为 8 位补零的小写十六进制。
func FormatNonce(n uint32) string {
	return fmt.Sprintf("%08x", n)
}

// MeetsDifficulty 判断十六进制哈希是否至少有 bits 个前导零位。
func MeetsDifficulty(hashHex string, bits int) bool {
	if bits <= 0 {
		return true
	}
	hex := strings.TrimPrefix(strings.TrimPrefix(hashHex, "0x"), "0X")

	fullNibbles := bits / 4
	remainder := bits % 4

	if len(hex) < fullNibbles {
		return false
	}
	for i := 0; i < fullNibbles; i++ {
		if hex[i] != '0' {
			return false
		}
	}
	if remainder == 0 {
		return true
	}
	if len(hex) <= fullNibbles {
		return false
	}
	value, err := strconv.ParseUint(hex[fullNibbles:fullNibbles+1], 16, 8)
	if err != nil {
		return false
	}
	mask := uint64(0xF<<(4-remainder)) & 0xF
	return value&mask == 0
}
