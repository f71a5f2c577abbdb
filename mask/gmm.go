package mask

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	gmmComponents = 5
	kmeansRounds  = 10
	// 协方差奇异时加到对角线上的方差
	covRegularization = 0.01
	detEps            = 2.220446049250313e-16
)

var inf = math.Inf(1)

type rgb [3]float64

type gaussian struct {
	weight     float64
	mean       rgb
	inv        [3][3]float64
	detSqrtInv float64

	sum  rgb
	prod [3][3]float64
	n    int
}

// gmm 颜色空间上的高斯混合模型
type gmm struct {
	comps [gmmComponents]gaussian
	total int
}

func (m *gmm) prob(c rgb) float64 {
	var p float64
	for i := range m.comps {
		p += m.comps[i].weight * m.compProb(i, c)
	}
	return p
}

func (m *gmm) compProb(i int, c rgb) float64 {
	g := &m.comps[i]
	if g.weight <= 0 {
		return 0
	}
	d := rgb{c[0] - g.mean[0], c[1] - g.mean[1], c[2] - g.mean[2]}
	var mult float64
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			mult += d[a] * g.inv[a][b] * d[b]
		}
	}
	return g.detSqrtInv * math.Exp(-0.5*mult)
}

func (m *gmm) whichComponent(c rgb) int {
	best, bestP := 0, -1.0
	for i := range m.comps {
		if p := m.compProb(i, c); p > bestP {
			best, bestP = i, p
		}
	}
	return best
}

func (m *gmm) resetLearning() {
	for i := range m.comps {
		g := &m.comps[i]
		g.sum = rgb{}
		g.prod = [3][3]float64{}
		g.n = 0
	}
	m.total = 0
}

func (m *gmm) addSample(i int, c rgb) {
	g := &m.comps[i]
	for a := 0; a < 3; a++ {
		g.sum[a] += c[a]
		for b := 0; b < 3; b++ {
			g.prod[a][b] += c[a] * c[b]
		}
	}
	g.n++
	m.total++
}

var errEmptyModel = errors.New("empty colour model")

// endLearning 由累加量计算权重、均值与协方差的逆
func (m *gmm) endLearning() error {
	if m.total == 0 {
		return errEmptyModel
	}
	for i := range m.comps {
		g := &m.comps[i]
		if g.n == 0 {
			g.weight = 0
			continue
		}
		n := float64(g.n)
		g.weight = n / float64(m.total)
		for a := 0; a < 3; a++ {
			g.mean[a] = g.sum[a] / n
		}

		cov := mat.NewSymDense(3, nil)
		for a := 0; a < 3; a++ {
			for b := a; b < 3; b++ {
				cov.SetSym(a, b, g.prod[a][b]/n-g.mean[a]*g.mean[b])
			}
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(cov); !ok || chol.Det() <= detEps {
			for a := 0; a < 3; a++ {
				cov.SetSym(a, a, cov.At(a, a)+covRegularization)
			}
			if ok := chol.Factorize(cov); !ok {
				return errors.New("singular covariance")
			}
		}

		det := chol.Det()
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err != nil {
			return err
		}
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				g.inv[a][b] = inv.At(a, b)
			}
		}
		g.detSqrtInv = 1 / math.Sqrt(det)
		if math.IsNaN(g.detSqrtInv) || math.IsInf(g.detSqrtInv, 0) {
			return errors.New("degenerate covariance")
		}
	}
	return nil
}

// kmeans 初始化：最远点选中心，再做若干轮 Lloyd 迭代，返回每个样本的分量
func kmeans(samples []rgb) []int {
	const k = gmmComponents
	labels := make([]int, len(samples))
	if len(samples) == 0 {
		return labels
	}

	centers := make([]rgb, 0, k)
	centers = append(centers, samples[len(samples)/2])
	minDist := make([]float64, len(samples))
	for i := range minDist {
		minDist[i] = inf
	}
	for len(centers) < k {
		last := centers[len(centers)-1]
		far, farD := 0, -1.0
		for i, s := range samples {
			if d := dist2(s, last); d < minDist[i] {
				minDist[i] = d
			}
			if minDist[i] > farD {
				far, farD = i, minDist[i]
			}
		}
		centers = append(centers, samples[far])
	}

	for round := 0; round < kmeansRounds; round++ {
		changed := round == 0
		for i, s := range samples {
			best, bestD := 0, inf
			for c := range centers {
				if d := dist2(s, centers[c]); d < bestD {
					best, bestD = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		var sums [gmmComponents]rgb
		var counts [gmmComponents]int
		for i, s := range samples {
			l := labels[i]
			for a := 0; a < 3; a++ {
				sums[l][a] += s[a]
			}
			counts[l]++
		}
		for c := range centers {
			if counts[c] == 0 {
				continue
			}
			for a := 0; a < 3; a++ {
				centers[c][a] = sums[c][a] / float64(counts[c])
			}
		}
	}
	return labels
}

func dist2(a, b rgb) float64 {
	d0, d1, d2 := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return d0*d0 + d1*d1 + d2*d2
}
