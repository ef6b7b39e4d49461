package logparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUname(t *testing.T) {
	tests := []struct {
		name  string
		uname string
		want  map[string]string
	}{
		{
			name:  "linux azure",
			uname: "Linux 0013249e7165 6.5.0-1023-azure #24~22.04.1-Ubuntu SMP Wed Jun 12 19:55:26 UTC 2024 x86_64 GNU/Linux",
			want: map[string]string{
				"systemos": "Linux", "systemhost": "0013249e7165", "systemosver": "6.5.0-1023-azure", "arch": "x86_64",
			},
		},
		{
			name:  "linux ppc64",
			uname: "Linux gcc1-power7.osuosl.org 3.10.0-1160.105.1.el7.ppc64 #1 SMP Thu Dec 7 16:07:07 UTC 2023 ppc64 ppc64 ppc64 GNU/Linux",
			want: map[string]string{
				"systemos": "Linux", "systemhost": "gcc1-power7.osuosl.org", "systemosver": "3.10.0-1160.105.1.el7.ppc64", "arch": "ppc64",
			},
		},
		{
			name:  "linux padded day",
			uname: "Linux buildnode 6.6.37-desktop #1 SMP PREEMPT_DYNAMIC Sat Jul  6 01:42:12 UTC 2024 x86_64 GNU/Linux",
			want: map[string]string{
				"systemos": "Linux", "systemhost": "buildnode", "systemosver": "6.6.37-desktop", "arch": "x86_64",
			},
		},
		{
			name:  "darwin",
			uname: "Darwin Mac-1715788362745.local 23.4.0 Darwin Kernel Version 23.4.0: Fri Mar 15 00:10:50 PDT 2024; root:xnu-10063.101.17~1/RELEASE_ARM64_VMAPPLE arm64",
			want: map[string]string{
				"systemos": "Darwin", "systemhost": "Mac-1715788362745.local", "systemosver": "23.4.0", "arch": "arm64",
			},
		},
		{
			name:  "freebsd blank hostname",
			uname: "FreeBSD  14.1-RELEASE FreeBSD 14.1-RELEASE releng/14.1-n267679-10e31f0946d8 GENERIC amd64",
			want: map[string]string{
				"systemos": "FreeBSD", "systemosver": "14.1-RELEASE", "arch": "amd64",
			},
		},
		{
			name:  "netbsd blank hostname",
			uname: "NetBSD  10.0 NetBSD 10.0 (GENERIC) #0: Thu Mar 28 08:33:33 UTC 2024  mkrepro@mkrepro.NetBSD.org:/usr/src/sys/arch/amd64/compile/GENERIC amd64",
			want: map[string]string{
				"systemos": "NetBSD", "systemosver": "10.0", "arch": "amd64",
			},
		},
		{
			name:  "openbsd",
			uname: "OpenBSD openbsd.my.domain 7.5 GENERIC.MP#82 amd64",
			want: map[string]string{
				"systemos": "OpenBSD", "systemhost": "openbsd.my.domain", "systemosver": "7.5", "arch": "amd64",
			},
		},
		{
			name:  "solaris",
			uname: "SunOS gcc-solaris11 5.11 11.3 sun4u sparc SUNW,SPARC-Enterprise",
			want: map[string]string{
				"systemos": "SunOS", "systemhost": "gcc-solaris11", "systemosver": "5.11", "arch": "sparc",
			},
		},
		{
			name:  "msys",
			uname: "MSYS_NT-10.0-20348 fv-az1105-175 3.5.3.x86_64 2024-06-03 06:22 UTC x86_64 Msys",
			want: map[string]string{
				"systemos": "MSYS_NT-10.0-20348", "systemhost": "fv-az1105-175", "systemosver": "3.5.3.x86_64", "arch": "x86_64",
			},
		},
		{
			name:  "aix",
			uname: "AIX gcc119 3 7 00F9C1964C00",
			want: map[string]string{
				"systemos": "AIX", "systemhost": "gcc119", "systemosver": "7.3",
			},
		},
		{
			name:  "unknown layout keeps basics",
			uname: "Plan9 cpu 4e",
			want: map[string]string{
				"systemos": "Plan9", "systemhost": "cpu", "systemosver": "4e",
			},
		},
		{
			name:  "too short",
			uname: "Linux",
			want:  map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseUname(tt.uname))
		})
	}
}
