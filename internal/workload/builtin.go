package workload

// Scripts stick to POSIX sh and busybox tools so they run on slim and alpine
// images alike. Each one is bounded to a few seconds of work.
var builtins = []Workload{
	{
		ID:          "cpu",
		Description: "integer arithmetic loop on every online CPU",
		Script: `n=$(getconf _NPROCESSORS_ONLN 2>/dev/null || echo 1)
i=0
while [ "$i" -lt "$n" ]; do
  ( j=0; while [ "$j" -lt 300000 ]; do j=$((j+1)); done ) &
  i=$((i+1))
done
wait
echo "cpu: $n workers done"`,
	},
	{
		ID:          "memory",
		Description: "fill 256MiB of tmpfs-backed memory and read it back",
		Script: `dir=/dev/shm
[ -w "$dir" ] || dir=/tmp
dd if=/dev/zero of="$dir/imagebench.mem" bs=1M count=256 2>/dev/null || exit 1
cat "$dir/imagebench.mem" > /dev/null
rm -f "$dir/imagebench.mem"
echo "memory: 256MiB touched"`,
	},
	{
		ID:          "io",
		Description: "sequential write and read of a 128MiB file with fsync",
		Script: `f=/tmp/imagebench.io
dd if=/dev/zero of="$f" bs=1M count=128 conv=fsync 2>/dev/null || exit 1
dd if="$f" of=/dev/null bs=1M 2>/dev/null || exit 1
rm -f "$f"
echo "io: 128MiB written and read"`,
	},
	{
		ID:          "network",
		Description: "download a public test payload",
		Script: `url=${IMAGEBENCH_NETWORK_URL:-http://speed.cloudflare.com/__down?bytes=25000000}
if command -v wget >/dev/null 2>&1; then
  wget -q -O /dev/null "$url" || exit 1
elif command -v curl >/dev/null 2>&1; then
  curl -fsS -o /dev/null "$url" || exit 1
else
  echo "network: neither wget nor curl available" >&2
  exit 127
fi
echo "network: download complete"`,
	},
	{
		ID:          "inference",
		Description: "matrix multiply via python when available, shell fallback otherwise",
		Script: `if command -v python3 >/dev/null 2>&1; then
python3 - <<'EOF'
import random, time
n = 120
a = [[random.random() for _ in range(n)] for _ in range(n)]
b = [[random.random() for _ in range(n)] for _ in range(n)]
t = time.time()
c = [[sum(x * y for x, y in zip(row, col)) for col in zip(*b)] for row in a]
print("inference: %dx%d matmul in %.2fs" % (n, n, time.time() - t))
EOF
else
  awk 'BEGIN { s = 0; for (i = 0; i < 3000000; i++) s += sin(i) * cos(i); printf "inference: awk fallback %.3f\n", s }'
fi`,
	},
}
