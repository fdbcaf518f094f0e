package scheduler

// Convergence 以滑动窗口判断优化是否收敛：
// 最近 window 代中最佳适应度的提升小于 threshold 即视为收敛
// threshold 为 0 时永远不会收敛，只能跑满最大代数
type Convergence struct {
	window    int
	threshold float64
	history   []float64
}

func NewConvergence(window int, threshold float64) *Convergence {
	if window <= 0 {
		window = 10
	}
	return &Convergence{window: window, threshold: threshold}
}

// Observe 记录一代的最佳适应度，返回是否已经收敛
func (c *Convergence) Observe(best float64) bool {
	c.history = append(c.history, best)
	if len(c.history) > c.window+1 {
		c.history = c.history[len(c.history)-c.window-1:]
	}

	if c.threshold <= 0 || len(c.history) <= c.window {
		return false
	}

	last := len(c.history) - 1
	return c.history[last]-c.history[last-c.window] < c.threshold
}

// Reset 在约束纪元变化后清空历史
func (c *Convergence) Reset() {
	c.history = c.history[:0]
}

func (c *Convergence) History() []float64 {
	return append([]float64(nil), c.history...)
}
