package seccomp

// cloneNewNamespaces is CLONE_NEWNS|CLONE_NEWCGROUP|CLONE_NEWUTS|CLONE_NEWIPC|
// CLONE_NEWUSER|CLONE_NEWPID|CLONE_NEWNET.
const cloneNewNamespaces uint64 = 0x7E020000

// interpreter covers what CPython and Node.js need to load, allocate, spawn
// threads and keep time. Thread and process creation is bounded by the pids
// limit, not here.
func interpreter() *Profile {
	return New().
		Allow(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3", "fcntl",
			"poll", "ppoll", "select", "pselect6", "pipe", "pipe2",
			"readlink", "readlinkat", "getdents64", "getcwd", "chdir", "fchdir",
			"statfs", "fstatfs", "ftruncate", "fsync", "fdatasync", "flock",
			"unlink", "unlinkat", "mkdir", "mkdirat", "rename", "renameat", "renameat2",
		).
		Allow(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "mincore",
			"memfd_create", "membarrier",
		).
		Allow(
			"execve", "exit", "exit_group", "wait4", "waitid", "clone3", "vfork", "fork",
			"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
			"futex", "futex_waitv", "gettid", "tgkill", "kill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
		).
		AllowUnlessFlags("clone", 0, cloneNewNamespaces).
		Allow(
			"clock_gettime", "clock_getres", "gettimeofday", "time",
			"nanosleep", "clock_nanosleep", "times", "getrusage",
			"getpid", "getppid", "getpgrp", "getuid", "geteuid", "getgid", "getegid",
			"getgroups", "getresuid", "getresgid", "uname", "sysinfo",
			"getrandom", "arch_prctl", "prctl", "ioctl", "getrlimit", "prlimit64", "umask",
			"sched_getaffinity", "sched_yield", "sched_getparam", "sched_getscheduler", "capget",
		)
}

// eventLoop is the extra surface of the Node.js event loop and V8.
func eventLoop() *Profile {
	return New().
		Allow(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "epoll_pwait2",
			"eventfd", "eventfd2", "timerfd_create", "timerfd_settime",
			"pkey_alloc", "pkey_free", "pkey_mprotect", "getpriority",
		)
}

func denied() *Profile {
	return New().
		Kill(
			"ptrace", "process_vm_readv", "process_vm_writev",
			"bpf", "perf_event_open", "userfaultfd",
			"kexec_load", "kexec_file_load", "finit_module", "init_module", "delete_module",
		).
		Deny(
			"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg",
			"mount", "umount2", "pivot_root", "chroot", "setns", "unshare",
			"keyctl", "add_key", "request_key",
			"reboot", "swapon", "swapoff", "sethostname", "setdomainname",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality", "acct", "ioperm", "iopl",
		)
}

// ForRuntime returns the filter for a language runtime: no networking, no
// namespace or mount manipulation, and process kill on tracing or
// kernel-module calls. Unknown runtimes get the union of all profiles.
func ForRuntime(name string) *Profile {
	p := interpreter()
	if name != "python" {
		p.Extend(eventLoop())
	}
	return p.Extend(denied())
}
