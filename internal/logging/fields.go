package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 store/策略/分类/命中状态字段，供代理请求日志复用。
func RequestFields(store, strategy, class string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"store":     store,
		"strategy":  strategy,
		"class":     class,
		"cache_hit": cacheHit,
	}
}

// VersionFields 描述 app-shell 版本与其 store，供 lifecycle 日志复用。
func VersionFields(action, version, store string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
		"store":   store,
	}
}
