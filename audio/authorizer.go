package audio

import "context"

// StaticAuthorizer 由配置决定的麦克风权限
type StaticAuthorizer struct {
	Granted bool
}

func (a StaticAuthorizer) MicrophoneAuthorized(context.Context) (bool, error) {
	return a.Granted, nil
}

// RequestMicrophone 桌面平台没有交互式授权，直接返回配置结果
func (a StaticAuthorizer) RequestMicrophone(context.Context) (bool, error) {
	return a.Granted, nil
}
