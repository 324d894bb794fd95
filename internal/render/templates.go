package render

const dashboardTpl = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{ .RefreshSeconds }}">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{ .Title }}</title>
<script src="{{ .AssetsURL }}"></script>
<style>
body { margin: 0; font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: #f4f5f7; color: #1f2933; }
header { background: #1f2933; color: #fff; padding: 16px 24px; }
header h1 { margin: 0; font-size: 20px; }
header .meta { margin: 6px 0 0; font-size: 13px; color: #cbd2d9; }
header a { color: #9ae6b4; }
.cards { display: flex; flex-wrap: wrap; gap: 12px; padding: 16px 24px 0; }
.card { background: #fff; border-radius: 6px; padding: 12px 18px; box-shadow: 0 1px 2px rgba(0,0,0,.08); min-width: 120px; }
.card .value { display: block; font-size: 22px; font-weight: 600; }
.card .label { display: block; font-size: 12px; color: #616e7c; text-transform: uppercase; }
.alerts { padding: 12px 24px 0; }
.alert { border-radius: 4px; padding: 8px 12px; margin-bottom: 6px; font-size: 14px; }
.alert.warning { background: #fff3cd; border-left: 4px solid #f0b429; }
.alert.critical { background: #ffe3e3; border-left: 4px solid #e12d39; }
.charts { display: grid; grid-template-columns: repeat(auto-fit, minmax(460px, 1fr)); gap: 16px; padding: 16px 24px; }
.chart { background: #fff; border-radius: 6px; box-shadow: 0 1px 2px rgba(0,0,0,.08); height: 360px; }
.table { padding: 0 24px 24px; }
.table h2 { font-size: 16px; }
table { width: 100%; border-collapse: collapse; background: #fff; box-shadow: 0 1px 2px rgba(0,0,0,.08); }
th, td { text-align: left; padding: 8px 12px; font-size: 13px; border-bottom: 1px solid #e4e7eb; }
th { background: #f8f9fa; text-transform: uppercase; font-size: 11px; color: #616e7c; }
tr.needs-support td { background: #fff8e1; }
.badge { display: inline-block; border-radius: 10px; padding: 1px 8px; font-size: 11px; background: #e4e7eb; }
.badge.support { background: #f0b429; color: #1f2933; }
</style>
</head>
<body>
<header>
<h1>{{ .Title }}</h1>
<p class="meta">generated {{ .GeneratedAt }} &middot; {{ .Excluded }} records excluded by cutoff &middot; <a href="/update">refresh now</a> &middot; <a href="/download/report">download report</a></p>
</header>
<section class="cards">
{{ range .Cards }}<div class="card"><span class="value">{{ .Value }}</span><span class="label">{{ .Label }}</span></div>
{{ end }}</section>
{{ if .Alerts }}<section class="alerts">
{{ range .Alerts }}<div class="alert {{ .Severity }}">{{ .Message }}</div>
{{ end }}</section>
{{ end }}<section class="charts">
{{ range .Charts }}<div class="chart" id="{{ .ID }}"></div>
{{ end }}</section>
<section class="table">
<h2>Enumerators</h2>
<table>
<thead>
<tr><th>enumerator</th><th>records</th><th>mean</th><th>median</th><th>min</th><th>max</th><th>errors</th><th>error rate</th><th>score</th><th>status</th></tr>
</thead>
<tbody>
{{ range .Enumerators }}<tr{{ if .NeedsSupport }} class="needs-support"{{ end }}>
<td>{{ .Name }}</td><td>{{ .Count }}</td><td>{{ .Mean }}</td><td>{{ .Median }}</td><td>{{ .Min }}</td><td>{{ .Max }}</td><td>{{ .Errors }}</td><td>{{ .ErrorRate }}</td><td>{{ .Score }}</td>
<td>{{ if .NeedsSupport }}<span class="badge support">needs support</span>{{ else }}<span class="badge">ok</span>{{ end }}</td>
</tr>
{{ end }}</tbody>
</table>
</section>
<script>
{{ range .Charts }}echarts.init(document.getElementById({{ .ID }})).setOption({{ .Option }});
{{ end }}</script>
</body>
</html>
`

const placeholderTpl = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{ .RefreshSeconds }}">
<title>{{ .Title }}</title>
<style>
body { margin: 0; font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: #f4f5f7; color: #1f2933; }
main { max-width: 560px; margin: 80px auto; background: #fff; border-radius: 6px; padding: 32px; box-shadow: 0 1px 3px rgba(0,0,0,.1); text-align: center; }
h1 { font-size: 20px; margin-top: 0; }
.status { font-size: 16px; color: #616e7c; }
.stat { font-size: 18px; font-weight: 600; }
.meta { font-size: 13px; color: #616e7c; }
a { color: #2f855a; }
</style>
</head>
<body>
<main>
<h1>{{ .Title }}</h1>
<p class="status">Waiting for data</p>
<p class="stat">{{ .Excluded }} records filtered, 0 remaining</p>
<p class="cutoff">Showing submissions from {{ .Cutoff }} onward</p>
<p class="meta">generated {{ .GeneratedAt }} &middot; <a href="/update">refresh now</a></p>
</main>
</body>
</html>
`
