package state

import "math/big"

// 定点数常量
var (
	// Mantissa 18 位定点精度
	Mantissa = Pow10(18)
	// Ray 27 位定点精度
	Ray = Pow10(27)
)

// Pow10 返回 10^n
func Pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// MulDiv 计算 floor(a*b/c)，c 为 0 时返回 0
func MulDiv(a, b, c *big.Int) *big.Int {
	if c == nil || c.Sign() == 0 {
		return new(big.Int)
	}
	product := new(big.Int).Mul(a, b)
	return product.Div(product, c)
}

// Copy 复制整数，nil 视为 0
func Copy(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n)
}

// Invert 价格取倒数，按 36 位精度：10^36 / price，price 非正时返回 0
func Invert(price *big.Int) *big.Int {
	if price == nil || price.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(Pow10(36), price)
}
