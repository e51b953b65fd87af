package proxy

// Strategy 是封闭的缓存策略集合，Router 只通过一次 switch 分派。
type Strategy int

const (
	// StrategyNetworkFirstWithFallback 先回源，200 时尽力写入 app-shell store，回源失败时回退到 app-shell store。
	StrategyNetworkFirstWithFallback Strategy = iota
	// StrategyCacheFirstPermanent 先查永久 store，未命中时回源并在返回前写入。
	StrategyCacheFirstPermanent
)

func (s Strategy) String() string {
	switch s {
	case StrategyCacheFirstPermanent:
		return "cache_first_permanent"
	case StrategyNetworkFirstWithFallback:
		return "network_first_fallback"
	default:
		return "unknown"
	}
}

// PolicyTable 将分类结果映射到策略。
type PolicyTable map[Class]Strategy

// DefaultPolicy 返回默认的分类 → 策略表。
func DefaultPolicy() PolicyTable {
	return PolicyTable{
		ClassPermanentAsset: StrategyCacheFirstPermanent,
		ClassOther:          StrategyNetworkFirstWithFallback,
	}
}

// Lookup 返回分类对应的策略；未声明的分类走 network-first。
func (p PolicyTable) Lookup(class Class) Strategy {
	if strategy, ok := p[class]; ok {
		return strategy
	}
	return StrategyNetworkFirstWithFallback
}
