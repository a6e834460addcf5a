package emulator

import (
	"context"
	"path"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// 模拟器启动完成后 /sdcard/Android 下会出现这三个目录
var bootMarkers = []string{"data", "media", "obb"}

func sdcardProbeCmd(adbPath string) []string {
	return []string{path.Join(adbPath, "adb"), "shell", "ls", "/sdcard/Android"}
}

// bootCompleted classifies the raw probe output. adb may exit 0 while the
// device is still offline, so only the listing counts.
func bootCompleted(output string) bool {
	for _, m := range bootMarkers {
		if !strings.Contains(output, m) {
			return false
		}
	}
	return true
}

// grpcReachable waits until the emulator gRPC endpoint reports READY or ctx
// ends.
func grpcReachable(ctx context.Context, target string) bool {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return true
		case connectivity.Shutdown:
			return false
		}
		if !conn.WaitForStateChange(ctx, state) {
			return false
		}
	}
}
